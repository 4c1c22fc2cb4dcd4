package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	maxTxRetries       = 5
	candidateBatchSize = 64
	readRetryDelay     = 500 * time.Millisecond
	resyncTimeout      = 5 * time.Second
)

// Key layout
//
//	call:<id>                          session record (JSON, TTL)
//	call:<id>:events                   pub/sub change feed of the record
//	call:<id>:candidates:<role>        stream of candidates appended by <role>
//	user:<id>:calls                    set of session ids addressed to the user
//	user:<id>:incoming                 pub/sub feed of sessions addressed to the user
func sessionKey(id string) string { return "call:" + id }

func sessionChannel(id string) string { return "call:" + id + ":events" }

func incomingSetKey(userID string) string { return "user:" + userID + ":calls" }

func incomingChannel(userID string) string { return "user:" + userID + ":incoming" }

func candidateStream(id string, role models.Role) string {
	return "call:" + id + ":candidates:" + string(role)
}

// changeEnvelope is what travels on the pub/sub feeds
type changeEnvelope struct {
	Deleted bool                `json:"deleted,omitempty"`
	Session *models.CallSession `json:"session"`
}

// RedisStore keeps call sessions in Redis. Records and candidate streams
// expire after ttl so abandoned calls do not linger.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	readBlock time.Duration

	root   context.Context
	cancel context.CancelFunc
}

// NewRedisStore creates a store on top of an already connected client
func NewRedisStore(client *redis.Client, ttl, readBlock time.Duration) *RedisStore {
	if readBlock <= 0 {
		readBlock = 2 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	return &RedisStore{
		client:    client,
		ttl:       ttl,
		readBlock: readBlock,
		root:      root,
		cancel:    cancel,
	}
}

// Close stops all subscription goroutines. The client itself is owned by the caller.
func (r *RedisStore) Close() error {
	r.cancel()
	return nil
}

func (r *RedisStore) CreateSession(ctx context.Context, session *models.CallSession) (string, error) {
	if err := validateNew(session); err != nil {
		return "", err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return "", errors.Wrap(err, "marshal call session")
	}

	created, err := r.client.SetNX(ctx, sessionKey(session.ID), data, r.ttl).Result()
	if err != nil {
		return "", unavailable("create session", err)
	}
	if !created {
		return "", errors.Wrapf(ErrConflict, "session %s already exists", session.ID)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, incomingSetKey(session.ResponderID), session.ID)
	pipe.Expire(ctx, incomingSetKey(session.ResponderID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.rollbackCreate(ctx, session)
		return "", unavailable("create session", err)
	}

	if err := r.publish(ctx, session, false); err != nil {
		r.rollbackCreate(ctx, session)
		return "", err
	}
	return session.ID, nil
}

// rollbackCreate removes a record whose creation failed half way, so the
// callee is never left with a ringing call nobody placed. Subscribers that
// already saw it get a deletion.
func (r *RedisStore) rollbackCreate(ctx context.Context, session *models.CallSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
	defer cancel()

	data, err := json.Marshal(changeEnvelope{Deleted: true, Session: session})
	if err != nil {
		return
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(session.ID))
	pipe.SRem(ctx, incomingSetKey(session.ResponderID), session.ID)
	pipe.Publish(ctx, sessionChannel(session.ID), data)
	pipe.Publish(ctx, incomingChannel(session.ResponderID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to roll back call session")
	}
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*models.CallSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return decodeSession(data)
}

func (r *RedisStore) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	key := sessionKey(id)

	var next *models.CallSession
	txf := func(tx *redis.Tx) error {
		next = nil
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		current, err := decodeSession(data)
		if err != nil {
			return err
		}
		changed, err := applyUpdate(current, update)
		if err != nil || !changed {
			return err
		}

		encoded, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			return nil
		})
		if err == nil {
			next = current
		}
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
	case isDomainError(err):
		return err
	default:
		return unavailable("update session", err)
	}

	if next == nil {
		return nil
	}
	return r.publish(ctx, next, false)
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	session, err := r.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, sessionKey(id))
	pipe.Del(ctx, candidateStream(id, models.RoleInitiator), candidateStream(id, models.RoleResponder))
	pipe.SRem(ctx, incomingSetKey(session.ResponderID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete session", err)
	}

	// Concurrent deleters race here; only the one that removed the key announces it
	if del.Val() == 0 {
		return nil
	}
	session.Status = models.CallStatusEnded
	return r.publish(ctx, session, true)
}

func (r *RedisStore) publish(ctx context.Context, session *models.CallSession, deleted bool) error {
	data, err := json.Marshal(changeEnvelope{Deleted: deleted, Session: session})
	if err != nil {
		return errors.Wrap(err, "marshal change")
	}

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, sessionChannel(session.ID), data)
	pipe.Publish(ctx, incomingChannel(session.ResponderID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("publish change", err)
	}
	return nil
}

// SubscribeSession follows one record. ctx bounds the subscribe call only;
// the subscription lives until Unsubscribe or Close. Changes published
// while the connection is down are lost, so the record is read again
// every time the client resubscribes.
func (r *RedisStore) SubscribeSession(ctx context.Context, id string, onChange func(*models.CallSession)) (Unsubscribe, error) {
	ps := r.client.Subscribe(ctx, sessionChannel(id))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, unavailable("subscribe session", err)
	}
	ch := ps.ChannelWithSubscriptions()

	// Read the baseline only after the feed is live so no write falls in between
	current, err := r.GetSession(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(r.root)
	go func() {
		onChange(current)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				switch msg := msg.(type) {
				case *redis.Subscription:
					session, ok := r.resyncSession(subCtx, id)
					if !ok || subCtx.Err() != nil {
						continue
					}
					onChange(session)
				case *redis.Message:
					var env changeEnvelope
					if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
						log.Warn().Err(err).Str("session_id", id).Msg("Dropping malformed session change")
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					if env.Deleted {
						onChange(nil)
					} else {
						onChange(env.Session)
					}
				}
			}
		}
	}()

	return closer(cancel, ps), nil
}

// resyncSession re-reads a record after a resubscribe; false means the
// read failed and the current view is kept
func (r *RedisStore) resyncSession(ctx context.Context, id string) (*models.CallSession, bool) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()

	session, err := r.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, true
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Session resync failed")
		return nil, false
	}
	log.Debug().Str("session_id", id).Msg("Session resynced after reconnect")
	return session, true
}

func (r *RedisStore) SubscribeIncoming(ctx context.Context, localID string, onSession func(*models.CallSession)) (Unsubscribe, error) {
	ps := r.client.Subscribe(ctx, incomingChannel(localID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, unavailable("subscribe incoming", err)
	}
	ch := ps.ChannelWithSubscriptions()

	existing, err := r.pendingFor(ctx, localID)
	if err != nil {
		ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(r.root)
	go func() {
		for _, session := range existing {
			onSession(session)
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				switch msg := msg.(type) {
				case *redis.Subscription:
					// calls placed while disconnected are only in the index
					rctx, rcancel := context.WithTimeout(subCtx, resyncTimeout)
					pending, err := r.pendingFor(rctx, localID)
					rcancel()
					if err != nil {
						log.Warn().Err(err).Str("user_id", localID).Msg("Incoming resync failed")
						continue
					}
					for _, session := range pending {
						if subCtx.Err() != nil {
							return
						}
						onSession(session)
					}
				case *redis.Message:
					var env changeEnvelope
					if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Session == nil {
						log.Warn().Err(err).Str("user_id", localID).Msg("Dropping malformed incoming change")
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					onSession(env.Session)
				}
			}
		}
	}()

	return closer(cancel, ps), nil
}

// pendingFor loads every indexed record addressed to localID and prunes
// index entries whose record has expired
func (r *RedisStore) pendingFor(ctx context.Context, localID string) ([]*models.CallSession, error) {
	ids, err := r.client.SMembers(ctx, incomingSetKey(localID)).Result()
	if err != nil {
		return nil, unavailable("subscribe incoming", err)
	}
	var pending []*models.CallSession
	for _, id := range ids {
		session, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, incomingSetKey(localID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		pending = append(pending, session)
	}
	return pending, nil
}

func (r *RedisStore) AppendCandidate(ctx context.Context, sessionID string, role models.Role, candidate models.Candidate) error {
	exists, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return unavailable("append candidate", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(candidate)
	if err != nil {
		return errors.Wrap(err, "marshal candidate")
	}

	stream := candidateStream(sessionID, role)
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"candidate": string(data)},
	})
	pipe.Expire(ctx, stream, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("append candidate", err)
	}
	return nil
}

// SubscribeCandidates reads the stream from its first entry, so late
// subscribers still see every candidate exactly once.
func (r *RedisStore) SubscribeCandidates(ctx context.Context, sessionID string, role models.Role, onCandidate func(models.Candidate)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("subscribe candidates", err)
	}

	stream := candidateStream(sessionID, role)
	subCtx, cancel := context.WithCancel(r.root)
	go func() {
		lastID := "0"
		for subCtx.Err() == nil {
			streams, err := r.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   candidateBatchSize,
				Block:   r.readBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("session_id", sessionID).Str("role", string(role)).Msg("Candidate stream read failed")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(readRetryDelay):
				}
				continue
			}

			for _, s := range streams {
				for _, msg := range s.Messages {
					lastID = msg.ID
					raw, _ := msg.Values["candidate"].(string)
					var c models.Candidate
					if err := json.Unmarshal([]byte(raw), &c); err != nil {
						log.Warn().Err(err).Str("session_id", sessionID).Msg("Dropping malformed candidate")
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					onCandidate(c)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func decodeSession(data []byte) (*models.CallSession, error) {
	var session models.CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "decode call session")
	}
	return &session, nil
}

func closer(cancel context.CancelFunc, ps *redis.PubSub) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			ps.Close()
		})
	}
}
