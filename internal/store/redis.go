package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"callsignal/internal/calls"
	"callsignal/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Redis layout:
//
//	call:{id}                hash  doc, callerId, receiverId, state, seenAt
//	call:{id}:candidates     list  candidate JSON, append-only
//	callpair:{lo}:{hi}       claim ringing call id for the pair
//	calls:ringing:{userId}   set   ringing call ids addressed to the user
//	calls:leases             zset  live call ids scored by lease end (unix ms)
//	calls:events:{id}        pub/sub change notifications for one record
//	calls:incoming:{userId}  pub/sub new ringing call ids for the receiver
//
// Record keys carry no TTL. A record only leaves Redis through Delete, after
// its history entry is written.
const leasesKey = "calls:leases"

func callKey(id string) string        { return "call:" + id }
func candidatesKey(id string) string  { return "call:" + id + ":candidates" }
func pairClaimKey(a, b string) string { return "callpair:" + pairKey(a, b) }
func ringingKey(userID string) string { return "calls:ringing:" + userID }
func eventsChannel(id string) string  { return "calls:events:" + id }
func incomingChannel(u string) string { return "calls:incoming:" + u }

const (
	defaultRecordTTL = 2 * time.Minute
	defaultResync    = 5 * time.Second
	maxTxRetries     = 5
)

// appendCandidateScript checks the actor and record state and appends in one step.
var appendCandidateScript = redis.NewScript(`
-- KEYS[1] = call hash
-- KEYS[2] = candidate list
-- ARGV[1] = actor id
-- ARGV[2] = candidate JSON tagged for the caller role
-- ARGV[3] = candidate JSON tagged for the receiver role
-- ARGV[4] = events channel
--
-- Returns new list length, or
--  -1 record missing
--  -2 actor is not a participant
--  -3 record is terminal
local f = redis.call('HMGET', KEYS[1], 'callerId', 'receiverId', 'state')
if not f[1] then
  return -1
end
if f[3] == 'ended' or f[3] == 'rejected' then
  return -3
end
local payload
if ARGV[1] == f[1] then
  payload = ARGV[2]
elseif ARGV[1] == f[2] then
  payload = ARGV[3]
else
  return -2
end
local n = redis.call('RPUSH', KEYS[2], payload)
redis.call('PUBLISH', ARGV[4], 'candidate')
return n
`)

// touchScript moves seenAt and the lease forward, never backward.
var touchScript = redis.NewScript(`
-- KEYS[1] = call hash
-- KEYS[2] = lease zset
-- ARGV[1] = call id
-- ARGV[2] = heartbeat time (unix ms)
-- ARGV[3] = lease end (unix ms)
--
-- Returns
--  -1 record missing
--   0 record is terminal, nothing changed
--   1 lease extended
--   2 lease extended, record is ringing
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'ended' or state == 'rejected' then
  return 0
end
local seen = tonumber(redis.call('HGET', KEYS[1], 'seenAt') or '0')
if tonumber(ARGV[2]) > seen then
  redis.call('HSET', KEYS[1], 'seenAt', ARGV[2])
end
local cur = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not cur or tonumber(ARGV[3]) > tonumber(cur) then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
if state == 'ringing' then
  return 2
end
return 1
`)

type RedisStoreOptions struct {
	// Resync is how often a watcher re-reads its record even without a
	// notification, covering pub/sub messages lost on reconnect.
	Resync time.Duration
	Logger *slog.Logger
}

// RedisStore is a CallStore backed by Redis hashes, lists and pub/sub.
type RedisStore struct {
	rdb    *redis.Client
	resync time.Duration
	log    *slog.Logger
}

func NewRedisStore(rdb *redis.Client, opts RedisStoreOptions) *RedisStore {
	if opts.Resync <= 0 {
		opts.Resync = defaultResync
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, resync: opts.Resync, log: opts.Logger.With("component", "redis_store")}
}

// hashReader is the read surface shared by *redis.Client and *redis.Tx.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func (s *RedisStore) Create(ctx context.Context, rec calls.CallRecord, ttl time.Duration) error {
	if rec.State != calls.StateRinging {
		return fmt.Errorf("%w: new records must be ringing", calls.ErrInvalidRecord)
	}
	if len(rec.Candidates) > 0 {
		return fmt.Errorf("%w: new records carry no candidates", calls.ErrInvalidRecord)
	}
	if err := calls.ValidateRecord(rec); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	doc, err := encodeDoc(rec)
	if err != nil {
		return err
	}

	pk := pairClaimKey(rec.CallerID, rec.ReceiverID)
	claimed, err := s.claimPair(ctx, pk, rec.ID, claimTTL(ttl))
	if err != nil {
		return err
	}
	if !claimed {
		return calls.ErrPairBusy
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, callKey(rec.ID),
			"doc", doc,
			"callerId", rec.CallerID,
			"receiverId", rec.ReceiverID,
			"state", string(rec.State),
			"seenAt", rec.CreatedAt.UnixMilli(),
		)
		p.ZAdd(ctx, leasesKey, redis.Z{Score: float64(rec.CreatedAt.Add(ttl).UnixMilli()), Member: rec.ID})
		p.SAdd(ctx, ringingKey(rec.ReceiverID), rec.ID)
		p.Publish(ctx, incomingChannel(rec.ReceiverID), rec.ID)
		p.Publish(ctx, eventsChannel(rec.ID), "created")
		return nil
	})
	if err != nil {
		if _, rerr := utils.ReleaseClaim(ctx, s.rdb, pk, rec.ID); rerr != nil {
			s.log.Warn("release pair claim failed", "call_id", rec.ID, "err", rerr)
		}
		return err
	}
	return nil
}

// claimTTL outlives the record lease so the claim cannot lapse while an
// unswept ringing record still holds the pair. It only bounds claims leaked
// by a crash between claim and write.
func claimTTL(lease time.Duration) time.Duration { return 2 * lease }

// claimPair takes the pair claim, clearing a claim whose record no longer exists.
func (s *RedisStore) claimPair(ctx context.Context, key, callID string, ttl time.Duration) (bool, error) {
	holder, ok, err := utils.ClaimKey(ctx, s.rdb, key, callID, ttl)
	if err != nil || ok {
		return ok, err
	}
	live, err := s.rdb.Exists(ctx, callKey(holder)).Result()
	if err != nil {
		return false, err
	}
	if live == 1 {
		return false, nil
	}
	if _, err := utils.ReleaseClaim(ctx, s.rdb, key, holder); err != nil {
		return false, err
	}
	_, ok, err = utils.ClaimKey(ctx, s.rdb, key, callID, ttl)
	return ok, err
}

func (s *RedisStore) Get(ctx context.Context, callID string) (calls.CallRecord, error) {
	return s.load(ctx, s.rdb, callID)
}

func (s *RedisStore) load(ctx context.Context, r hashReader, callID string) (calls.CallRecord, error) {
	doc, err := r.HGet(ctx, callKey(callID), "doc").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return calls.CallRecord{}, calls.ErrNotFound
		}
		return calls.CallRecord{}, err
	}
	raw, err := r.LRange(ctx, candidatesKey(callID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return calls.CallRecord{}, err
	}
	return decodeRecord(doc, raw)
}

func (s *RedisStore) Accept(ctx context.Context, callID, receiverID string, answer calls.Answer, at time.Time) (calls.CallRecord, error) {
	var out calls.CallRecord
	err := s.update(ctx, callID, func(rec calls.CallRecord) (calls.CallRecord, error) {
		if rec.ReceiverID != receiverID {
			return calls.CallRecord{}, calls.ErrNotParticipant
		}
		if !rec.State.CanTransition(calls.StateAccepted) {
			return calls.CallRecord{}, calls.ErrInvalidTransition
		}
		next := rec.Clone()
		next.State = calls.StateAccepted
		next.Answer = &answer
		started := at.UTC()
		next.StartedAt = &started
		out = next
		return next, nil
	}, "accepted")
	if err != nil {
		return calls.CallRecord{}, err
	}
	s.releasePair(ctx, out)
	return out, nil
}

func (s *RedisStore) Transition(ctx context.Context, callID string, to calls.State, cause calls.Cause, at time.Time) (calls.CallRecord, error) {
	if !to.Terminal() {
		return calls.CallRecord{}, fmt.Errorf("%w: %s is not terminal", calls.ErrInvalidTransition, to)
	}
	var out calls.CallRecord
	err := s.update(ctx, callID, func(rec calls.CallRecord) (calls.CallRecord, error) {
		if !rec.State.CanTransition(to) {
			return calls.CallRecord{}, calls.ErrInvalidTransition
		}
		next := rec.Clone()
		next.State = to
		ended := at.UTC()
		next.EndedAt = &ended
		next.Cause = cause
		out = next
		return next, nil
	}, string(to))
	if err != nil {
		return calls.CallRecord{}, err
	}
	s.releasePair(ctx, out)
	return out, nil
}

// update runs an optimistic read-modify-write on one record under WATCH.
func (s *RedisStore) update(ctx context.Context, callID string, mutate func(calls.CallRecord) (calls.CallRecord, error), event string) error {
	key := callKey(callID)
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, callID)
		if err != nil {
			return err
		}
		next, err := mutate(rec)
		if err != nil {
			return err
		}
		if err := calls.ValidateRecord(next); err != nil {
			return err
		}
		doc, err := encodeDoc(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "doc", doc, "state", string(next.State))
			if next.State.Terminal() {
				p.ZRem(ctx, leasesKey, callID)
			}
			if next.State != calls.StateRinging {
				p.SRem(ctx, ringingKey(next.ReceiverID), callID)
			}
			p.Publish(ctx, eventsChannel(callID), event)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update call %s: too much contention", callID)
}

func (s *RedisStore) AppendCandidate(ctx context.Context, callID, actorID string, c calls.Candidate) (int, error) {
	asCaller, asReceiver := c, c
	asCaller.Role = calls.RoleCaller
	asReceiver.Role = calls.RoleReceiver
	if err := calls.ValidateCandidate(asCaller); err != nil {
		return 0, err
	}
	cj, err := json.Marshal(asCaller)
	if err != nil {
		return 0, err
	}
	rj, err := json.Marshal(asReceiver)
	if err != nil {
		return 0, err
	}

	n, err := appendCandidateScript.Run(ctx, s.rdb,
		[]string{callKey(callID), candidatesKey(callID)},
		actorID, string(cj), string(rj), eventsChannel(callID),
	).Int()
	if err != nil {
		return 0, err
	}
	switch n {
	case -1:
		return 0, calls.ErrNotFound
	case -2:
		return 0, calls.ErrNotParticipant
	case -3:
		return 0, calls.ErrInvalidTransition
	}
	return n, nil
}

func (s *RedisStore) Touch(ctx context.Context, callID string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	res, err := touchScript.Run(ctx, s.rdb,
		[]string{callKey(callID), leasesKey},
		callID, at.UnixMilli(), at.Add(ttl).UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return calls.ErrNotFound
	case 2:
		rec, err := s.Get(ctx, callID)
		if err != nil {
			return err
		}
		if _, err := utils.RefreshClaim(ctx, s.rdb, pairClaimKey(rec.CallerID, rec.ReceiverID), callID, claimTTL(ttl)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Expired(ctx context.Context, now time.Time) ([]Lease, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []Lease
	for _, id := range ids {
		vals, err := s.rdb.HMGet(ctx, callKey(id), "state", "seenAt").Result()
		if err != nil {
			return nil, err
		}
		state, _ := vals[0].(string)
		if state == "" || calls.State(state).Terminal() {
			// left behind by a write that raced the lease removal
			if err := s.rdb.ZRem(ctx, leasesKey, id).Err(); err != nil {
				s.log.Warn("drop stale lease failed", "call_id", id, "err", err)
			}
			continue
		}
		l := Lease{CallID: id}
		if raw, _ := vals[1].(string); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: seenAt %q: %v", calls.ErrInvalidRecord, raw, err)
			}
			l.SeenAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	rec, err := s.Get(ctx, callID)
	if err != nil && !errors.Is(err, calls.ErrNotFound) {
		return err
	}
	found := err == nil

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, callKey(callID), candidatesKey(callID))
		p.ZRem(ctx, leasesKey, callID)
		if found {
			p.SRem(ctx, ringingKey(rec.ReceiverID), callID)
		}
		p.Publish(ctx, eventsChannel(callID), "deleted")
		return nil
	})
	if err != nil {
		return err
	}
	if found {
		s.releasePair(ctx, rec)
	}
	return nil
}

func (s *RedisStore) releasePair(ctx context.Context, rec calls.CallRecord) {
	if _, err := utils.ReleaseClaim(ctx, s.rdb, pairClaimKey(rec.CallerID, rec.ReceiverID), rec.ID); err != nil {
		s.log.Warn("release pair claim failed", "call_id", rec.ID, "err", err)
	}
}

func (s *RedisStore) PendingBetween(ctx context.Context, callerID, receiverID string) (calls.CallRecord, error) {
	holder, err := s.rdb.Get(ctx, pairClaimKey(callerID, receiverID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return calls.CallRecord{}, calls.ErrNotFound
		}
		return calls.CallRecord{}, err
	}
	rec, err := s.Get(ctx, holder)
	if err != nil {
		return calls.CallRecord{}, err
	}
	if rec.State != calls.StateRinging || rec.CallerID != callerID {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Watch(ctx context.Context, callID string) (<-chan Snapshot, error) {
	sub := s.rdb.Subscribe(ctx, eventsChannel(callID))
	// Wait for the subscription to be live so no write after this call is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()

		var last string
		emit := func() {
			snap, err := s.snapshot(ctx, callID)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("watch read failed", "call_id", callID, "err", err)
				}
				return
			}
			fp := fingerprint(snap)
			if fp == last {
				return
			}
			last = fp
			offerLatest(out, snap)
		}

		emit()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				emit()
			case <-ticker.C:
				emit()
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) snapshot(ctx context.Context, callID string) (Snapshot, error) {
	rec, err := s.Get(ctx, callID)
	if errors.Is(err, calls.ErrNotFound) {
		return Snapshot{CallID: callID}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{CallID: callID, Record: &rec}, nil
}

func (s *RedisStore) WatchIncoming(ctx context.Context, userID string) (<-chan calls.CallRecord, error) {
	sub := s.rdb.Subscribe(ctx, incomingChannel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan calls.CallRecord, 32)
	go func() {
		defer close(out)
		defer sub.Close()

		deliver := func(id string) bool {
			rec, err := s.Get(ctx, id)
			if errors.Is(err, calls.ErrNotFound) {
				_ = s.rdb.SRem(ctx, ringingKey(userID), id).Err()
				return true
			}
			if err != nil {
				s.log.Warn("incoming read failed", "call_id", id, "err", err)
				return true
			}
			if rec.State != calls.StateRinging || rec.ReceiverID != userID {
				return true
			}
			select {
			case out <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}

		ids, err := s.rdb.SMembers(ctx, ringingKey(userID)).Result()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("list ringing calls failed", "user_id", userID, "err", err)
		}
		for _, id := range ids {
			if !deliver(id) {
				return
			}
		}

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if !deliver(m.Payload) {
					return
				}
			}
		}
	}()
	return out, nil
}

func encodeDoc(rec calls.CallRecord) (string, error) {
	doc := rec.Clone()
	doc.Candidates = nil
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRecord(doc string, rawCandidates []string) (calls.CallRecord, error) {
	var rec calls.CallRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return calls.CallRecord{}, fmt.Errorf("%w: %v", calls.ErrInvalidRecord, err)
	}
	rec.Candidates = make([]calls.Candidate, 0, len(rawCandidates))
	for _, raw := range rawCandidates {
		var c calls.Candidate
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return calls.CallRecord{}, fmt.Errorf("%w: candidate: %v", calls.ErrInvalidRecord, err)
		}
		rec.Candidates = append(rec.Candidates, c)
	}
	if err := calls.ValidateRecord(rec); err != nil {
		return calls.CallRecord{}, err
	}
	return rec, nil
}

// fingerprint identifies snapshots that carry no new information.
func fingerprint(s Snapshot) string {
	if s.Record == nil {
		return "gone"
	}
	r := s.Record
	return fmt.Sprintf("%s|%t|%d", r.State, r.Answer != nil, len(r.Candidates))
}
