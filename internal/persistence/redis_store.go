package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/outflow/pkg/api"
)

// RedisStore implements GraphStore and ContextStore on Redis. Key layout:
//
//	<prefix>ctx:<lead_id>             => gob-encoded LeadContext
//	<prefix>rev:<lead_id>             => revision counter (OCC)
//	<prefix>st:<lead_id>              => current status (guards re-enrollment)
//	<prefix>lease:<lead_id>           => lease owner, PX-expired
//	<prefix>idx:all                   => SET of all lead IDs
//	<prefix>idx:campaign:<campaign>   => SET of lead IDs per campaign
//	<prefix>idx:status:<status>       => SET of lead IDs per status
//	<prefix>graph:<campaign>:<ver>    => gob-encoded FlowGraph
//	<prefix>graphver:<campaign>       => latest version counter
//
// Indexes are best-effort; ListContexts re-filters decoded payloads.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ GraphStore = (*RedisStore)(nil)

var _ ContextStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. prefix is optional but recommended
// (e.g. "outflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "outflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyContext(id string) string  { return s.prefix + "ctx:" + id }
func (s *RedisStore) keyRevision(id string) string { return s.prefix + "rev:" + id }
func (s *RedisStore) keyLeadStatus(id string) string { return s.prefix + "st:" + id }
func (s *RedisStore) keyLease(id string) string    { return s.prefix + "lease:" + id }
func (s *RedisStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisStore) keyCampaign(c string) string  { return s.prefix + "idx:campaign:" + c }
func (s *RedisStore) keyStatus(st api.Status) string {
	return s.prefix + "idx:status:" + string(st)
}
func (s *RedisStore) keyGraph(c string, v int64) string {
	return fmt.Sprintf("%sgraph:%s:%d", s.prefix, c, v)
}
func (s *RedisStore) keyGraphVersion(c string) string { return s.prefix + "graphver:" + c }

var allStatuses = []api.Status{
	api.StatusRunning,
	api.StatusWaitingTimer,
	api.StatusWaitingReply,
	api.StatusHandedOff,
	api.StatusClosed,
}

const luaLeaseAcquire = `
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0`

const luaLeaseRenew = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0`

const luaLeaseRelease = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return 1`

// luaSaveContext creates the context unless a live one exists.
// KEYS = {ctx, rev, st}; ARGV = {payload, status, closed}.
const luaSaveContext = `
local st = redis.call('GET', KEYS[3])
if st and st ~= ARGV[3] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], 1)
redis.call('SET', KEYS[3], ARGV[2])
return 1`

// luaUpdateContext applies the payload only if the stored revision matches
// the expected one, then bumps it. KEYS = {ctx, rev, st};
// ARGV = {payload, expected, status}.
const luaUpdateContext = `
local rev = redis.call('GET', KEYS[2])
if not rev then
	return -1
end
if tonumber(rev) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[3], ARGV[3])
return 1`

func (s *RedisStore) PublishGraph(g *api.FlowGraph) (int64, error) {
	ctx := context.Background()

	version, err := s.client.Incr(ctx, s.keyGraphVersion(g.CampaignID)).Result()
	if err != nil {
		return 0, err
	}

	stored := *g
	stored.Version = version
	data, err := EncodeGraph(&stored)
	if err != nil {
		return 0, err
	}
	if err := s.client.Set(ctx, s.keyGraph(g.CampaignID, version), data, 0).Err(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *RedisStore) GetGraph(campaignID string, version int64) (*api.FlowGraph, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keyGraph(campaignID, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrGraphNotFound
		}
		return nil, err
	}
	return DecodeGraph(data)
}

func (s *RedisStore) LatestVersion(campaignID string) (int64, error) {
	ctx := context.Background()

	v, err := s.client.Get(ctx, s.keyGraphVersion(campaignID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrGraphNotFound
		}
		return 0, err
	}
	return v, nil
}

func (s *RedisStore) SaveContext(lc *api.LeadContext) error {
	ctx := context.Background()

	lc.Revision = 1
	data, err := EncodeContext(lc)
	if err != nil {
		return err
	}

	res, err := s.client.Eval(ctx, luaSaveContext,
		[]string{s.keyContext(lc.LeadID), s.keyRevision(lc.LeadID), s.keyLeadStatus(lc.LeadID)},
		data, string(lc.Status), string(api.StatusClosed),
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrContextLive
	}

	pipe := s.client.TxPipeline()
	s.indexContext(ctx, pipe, lc)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpdateContext(lc *api.LeadContext) error {
	ctx := context.Background()

	next := lc.Revision + 1
	stored := lc.Clone()
	stored.Revision = next
	data, err := EncodeContext(stored)
	if err != nil {
		return err
	}

	res, err := s.client.Eval(ctx, luaUpdateContext,
		[]string{s.keyContext(lc.LeadID), s.keyRevision(lc.LeadID), s.keyLeadStatus(lc.LeadID)},
		data, lc.Revision, string(stored.Status),
	).Int64()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrContextNotFound
	case 0:
		return ErrVersionConflict
	}
	lc.Revision = next

	pipe := s.client.TxPipeline()
	s.indexContext(ctx, pipe, lc)
	_, _ = pipe.Exec(ctx)
	return nil
}

// indexContext refreshes the membership sets for a context. The status sets
// are mutually exclusive, so the lead is removed from every other one.
func (s *RedisStore) indexContext(ctx context.Context, pipe redis.Pipeliner, lc *api.LeadContext) {
	pipe.SAdd(ctx, s.keyAll(), lc.LeadID)
	pipe.SAdd(ctx, s.keyCampaign(lc.CampaignID), lc.LeadID)
	for _, st := range allStatuses {
		if st == lc.Status {
			pipe.SAdd(ctx, s.keyStatus(st), lc.LeadID)
		} else {
			pipe.SRem(ctx, s.keyStatus(st), lc.LeadID)
		}
	}
}

func (s *RedisStore) GetContext(leadID string) (*api.LeadContext, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keyContext(leadID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrContextNotFound
		}
		return nil, err
	}
	return DecodeContext(data)
}

func (s *RedisStore) ListContexts(opts api.ContextListOptions) ([]*api.LeadContext, error) {
	ctx := context.Background()

	var ids []string
	var err error

	switch {
	case opts.CampaignID != "" && opts.Status != "":
		ids, err = s.client.SInter(ctx, s.keyCampaign(opts.CampaignID), s.keyStatus(opts.Status)).Result()
	case opts.CampaignID != "":
		ids, err = s.client.SMembers(ctx, s.keyCampaign(opts.CampaignID)).Result()
	case opts.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(opts.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.LeadContext{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.LeadContext{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyContext(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var contexts []*api.LeadContext
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		lc, err := DecodeContext(data)
		if err != nil {
			return nil, err
		}
		// Indexes can lag behind the payload; re-check the filter.
		if opts.CampaignID != "" && lc.CampaignID != opts.CampaignID {
			continue
		}
		if opts.Status != "" && lc.Status != opts.Status {
			continue
		}
		contexts = append(contexts, lc)
	}
	return contexts, nil
}

func (s *RedisStore) TryAcquireLease(ctx context.Context, leadID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := s.client.Eval(ctx, luaLeaseAcquire,
		[]string{s.keyLease(leadID)}, owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, leadID, owner string, ttl time.Duration) error {
	res, err := s.client.Eval(ctx, luaLeaseRenew,
		[]string{s.keyLease(leadID)}, owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, leadID, owner string) error {
	return s.client.Eval(ctx, luaLeaseRelease, []string{s.keyLease(leadID)}, owner).Err()
}
