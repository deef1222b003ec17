// Package authkitredis implements the authkit refresh token store on Redis.
package authkitredis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tyemirov/rideauth/internal/authkit"
)

const (
	// DefaultKeyPrefix namespaces every key written by the store.
	DefaultKeyPrefix = "rideauth:rt:"
	// DefaultRetention keeps expired and superseded state long enough to classify replays.
	DefaultRetention = 24 * time.Hour
)

var (
	errMissingClient  = errors.New("refresh_store.redis.missing_client")
	errMissingSubject = errors.New("refresh_store.missing_subject")
	errUnknownOutcome = errors.New("refresh_store.redis.unknown_outcome")
)

// Each subject owns one hash at <prefix>subject:<id> with fields hash, created, expires, consumed, previous.
// <prefix>token:<hash> and <prefix>previous:<hash> point back to the subject id.
// Scripts touch keys derived from their arguments, so the store targets a single Redis node.

var replaceScript = redis.NewScript(`
local prefix = ARGV[1]
local subjectKey = prefix .. 'subject:' .. ARGV[2]
local current = redis.call('HGET', subjectKey, 'hash')
local consumed = redis.call('HGET', subjectKey, 'consumed')
local previous = redis.call('HGET', subjectKey, 'previous')
if previous and previous ~= '' then
  redis.call('DEL', prefix .. 'previous:' .. previous)
end
local nextPrevious = ''
if current then
  redis.call('DEL', prefix .. 'token:' .. current)
  if consumed and consumed ~= '0' then
    nextPrevious = current
    redis.call('SET', prefix .. 'previous:' .. current, ARGV[2])
    redis.call('PEXPIREAT', prefix .. 'previous:' .. current, ARGV[6])
  end
end
redis.call('DEL', subjectKey)
redis.call('HSET', subjectKey, 'hash', ARGV[3], 'created', ARGV[4], 'expires', ARGV[5], 'consumed', '0', 'previous', nextPrevious)
redis.call('PEXPIREAT', subjectKey, ARGV[6])
redis.call('SET', prefix .. 'token:' .. ARGV[3], ARGV[2])
redis.call('PEXPIREAT', prefix .. 'token:' .. ARGV[3], ARGV[6])
return 1
`)

var consumeScript = redis.NewScript(`
local prefix = ARGV[1]
local tokenKey = prefix .. 'token:' .. ARGV[2]
local subject = redis.call('GET', tokenKey)
if not subject then
  local previousSubject = redis.call('GET', prefix .. 'previous:' .. ARGV[2])
  if previousSubject then
    return {'consumed', previousSubject}
  end
  return {'not_found', ''}
end
local subjectKey = prefix .. 'subject:' .. subject
local fields = redis.call('HMGET', subjectKey, 'hash', 'created', 'expires', 'consumed', 'previous')
if fields[1] ~= ARGV[2] then
  redis.call('DEL', tokenKey)
  return {'not_found', ''}
end
if fields[4] ~= '0' then
  return {'consumed', subject}
end
if tonumber(ARGV[3]) >= tonumber(fields[3]) then
  if fields[5] and fields[5] ~= '' then
    redis.call('DEL', prefix .. 'previous:' .. fields[5])
  end
  redis.call('DEL', subjectKey, tokenKey)
  return {'expired', subject}
end
redis.call('HSET', subjectKey, 'consumed', ARGV[3])
return {'ok', subject, fields[2], fields[3]}
`)

var revokeScript = redis.NewScript(`
local prefix = ARGV[1]
local subjectKey = prefix .. 'subject:' .. ARGV[2]
local fields = redis.call('HMGET', subjectKey, 'hash', 'previous')
if fields[1] then
  redis.call('DEL', prefix .. 'token:' .. fields[1])
end
if fields[2] and fields[2] ~= '' then
  redis.call('DEL', prefix .. 'previous:' .. fields[2])
end
redis.call('DEL', subjectKey)
return 1
`)

// Config configures the Redis refresh token store.
type Config struct {
	Client    redis.Scripter
	KeyPrefix string
	// Retention extends key lifetime past credential expiry.
	Retention time.Duration
}

// RefreshTokenStore keeps one refresh credential per subject in Redis.
type RefreshTokenStore struct {
	client    redis.Scripter
	prefix    string
	retention time.Duration
}

// NewRefreshTokenStore validates configuration and constructs the store.
func NewRefreshTokenStore(config Config) (*RefreshTokenStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("refresh_store.redis.new: %w", errMissingClient)
	}
	prefix := strings.TrimSpace(config.KeyPrefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	retention := config.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RefreshTokenStore{client: config.Client, prefix: prefix, retention: retention}, nil
}

// NewClient parses redisURL (redis://:pass@host:6379/0) and pings the server.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("refresh_store.redis.ping: %w", pingErr)
	}
	return client, nil
}

// Replace stores credential as the only credential of its subject.
func (store *RefreshTokenStore) Replace(ctx context.Context, credential authkit.RefreshCredential) error {
	if strings.TrimSpace(credential.SubjectID) == "" {
		return fmt.Errorf("refresh_store.replace.redis: %w", errMissingSubject)
	}
	if strings.TrimSpace(credential.TokenHash) == "" {
		return fmt.Errorf("refresh_store.replace.redis: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	retainUntil := credential.ExpiresAt.Add(store.retention).UnixMilli()
	err := replaceScript.Run(ctx, store.client, nil,
		store.prefix,
		credential.SubjectID,
		credential.TokenHash,
		credential.CreatedAt.UnixMilli(),
		credential.ExpiresAt.UnixMilli(),
		retainUntil,
	).Err()
	if err != nil {
		return fmt.Errorf("refresh_store.replace.redis: %w", err)
	}
	return nil
}

// Consume validates tokenHash at now and marks it used inside one script execution.
func (store *RefreshTokenStore) Consume(ctx context.Context, tokenHash string, now time.Time) (authkit.RefreshCredential, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	result, err := consumeScript.Run(ctx, store.client, nil, store.prefix, tokenHash, now.UnixMilli()).StringSlice()
	if err != nil {
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", err)
	}
	if len(result) < 2 {
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", errUnknownOutcome)
	}
	subjectID := result[1]
	switch result[0] {
	case "not_found":
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", authkit.ErrRefreshTokenNotFound)
	case "consumed":
		return authkit.RefreshCredential{SubjectID: subjectID}, fmt.Errorf("refresh_store.consume.redis: %w", authkit.ErrRefreshTokenConsumed)
	case "expired":
		return authkit.RefreshCredential{SubjectID: subjectID}, fmt.Errorf("refresh_store.consume.redis: %w", authkit.ErrRefreshTokenExpired)
	case "ok":
		if len(result) < 4 {
			return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", errUnknownOutcome)
		}
		createdAt, createdErr := parseUnixMilli(result[2])
		if createdErr != nil {
			return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", createdErr)
		}
		expiresAt, expiresErr := parseUnixMilli(result[3])
		if expiresErr != nil {
			return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", expiresErr)
		}
		return authkit.RefreshCredential{
			SubjectID: subjectID,
			TokenHash: tokenHash,
			CreatedAt: createdAt,
			ExpiresAt: expiresAt,
		}, nil
	default:
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.redis: %w", errUnknownOutcome)
	}
}

// Revoke removes every key of the subject. Revoking an absent subject is not an error.
func (store *RefreshTokenStore) Revoke(ctx context.Context, subjectID string) error {
	if err := revokeScript.Run(ctx, store.client, nil, store.prefix, subjectID).Err(); err != nil {
		return fmt.Errorf("refresh_store.revoke.redis: %w", err)
	}
	return nil
}

func parseUnixMilli(value string) (time.Time, error) {
	milliseconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(milliseconds).UTC(), nil
}
