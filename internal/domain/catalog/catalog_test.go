package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/emr/internal/platform/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	services map[uuid.UUID]*Service
	groups   []*Group
	types    []*Type
	rooms    []*Room
	gets     int
}

func newMockRepo() *mockRepo {
	return &mockRepo{services: make(map[uuid.UUID]*Service)}
}

func (m *mockRepo) addService(code, name, price string) *Service {
	s := &Service{
		ID:        uuid.New(),
		Code:      code,
		Name:      name,
		UnitPrice: decimal.RequireFromString(price),
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.services[s.ID] = s
	return s
}

func (m *mockRepo) GetService(_ context.Context, id uuid.UUID) (*Service, error) {
	m.gets++
	s, ok := m.services[id]
	if !ok || !s.Active {
		return nil, apperr.NotFound("service %s not found", id)
	}
	return s, nil
}

func (m *mockRepo) ListServices(_ context.Context, f ServiceFilter, limit, offset int) ([]*Service, int, error) {
	var out []*Service
	for _, s := range m.services {
		if !s.Active {
			continue
		}
		if f.GroupID != nil && (s.GroupID == nil || *s.GroupID != *f.GroupID) {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(f.Query)) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) ListGroups(context.Context) ([]*Group, error) { return m.groups, nil }
func (m *mockRepo) ListTypes(context.Context) ([]*Type, error)   { return m.types, nil }
func (m *mockRepo) ListRooms(context.Context) ([]*Room, error)   { return m.rooms, nil }

// -- Mock Cache --

type mockCache struct {
	data    map[string]Service
	ttls    map[string]time.Duration
	failGet bool
	failSet bool
}

func newMockCache() *mockCache {
	return &mockCache{data: map[string]Service{}, ttls: map[string]time.Duration{}}
}

func (m *mockCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	if m.failGet {
		return false, errors.New("redis: connection refused")
	}
	s, ok := m.data[key]
	if !ok {
		return false, nil
	}
	*(dst.(*Service)) = s
	return true, nil
}

func (m *mockCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.failSet {
		return errors.New("redis: connection refused")
	}
	m.data[key] = *(value.(*Service))
	m.ttls[key] = ttl
	return nil
}

func (m *mockCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
