package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-convoy/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, one geo key per session
// plus a meta hash per member for the non-coordinate fields.
type RedisIndex struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

func NewRedisIndex(addr, password, prefix string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, prefix: prefix, ctx: context.Background()}
}

// NewRedisIndexFromClient wraps an existing client, sharing the connection
// with the feed subscriber.
func NewRedisIndexFromClient(c *redis.Client, prefix string) *RedisIndex {
	return &RedisIndex{client: c, prefix: prefix, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(s models.LocationSample) {
	_, _ = r.client.GeoAdd(r.ctx, r.geoKey(s.SessionID), &redis.GeoLocation{
		Longitude: s.Loc.Lon, Latitude: s.Loc.Lat, Name: s.UserID,
	}).Result()
	_ = r.client.HSet(r.ctx, r.metaKey(s.SessionID, s.UserID), map[string]interface{}{
		"speed_mps":   strconv.FormatFloat(s.SpeedMps, 'f', -1, 64),
		"heading_deg": strconv.FormatFloat(s.HeadingDeg, 'f', -1, 64),
		"paused":      strconv.FormatBool(s.Paused),
		"observed_at": s.ObservedAt.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisIndex) Snapshot(sessionID string) []models.LocationSample {
	res, err := r.client.GeoSearchLocation(r.ctx, r.geoKey(sessionID), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude: 0, Latitude: 0,
			Radius: 40075000, RadiusUnit: "m", // whole-earth search: we want every member
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.LocationSample, 0, len(res))
	for _, g := range res {
		s := models.LocationSample{SessionID: sessionID, UserID: g.Name}
		s.Loc.Lat = g.Latitude
		s.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, r.metaKey(sessionID, g.Name)).Result(); err == nil {
			if v, ok := m["speed_mps"]; ok {
				s.SpeedMps, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := m["heading_deg"]; ok {
				s.HeadingDeg, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := m["paused"]; ok {
				s.Paused = v == "true"
			}
			if v, ok := m["observed_at"]; ok {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					s.ObservedAt = t
				}
			}
		}
		out = append(out, s)
	}
	return out
}

// Remove drops a member from the session index, e.g. on leave.
func (r *RedisIndex) Remove(sessionID, userID string) {
	_ = r.client.ZRem(r.ctx, r.geoKey(sessionID), userID).Err()
	_ = r.client.Del(r.ctx, r.metaKey(sessionID, userID)).Err()
}

func (r *RedisIndex) geoKey(sessionID string) string {
	return r.prefix + ":geo:" + sessionID
}

func (r *RedisIndex) metaKey(sessionID, userID string) string {
	return r.prefix + ":meta:" + sessionID + ":" + userID
}
