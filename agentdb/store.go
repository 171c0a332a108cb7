// Package agentdb is the reference agent: a small table/key/value database driven entirely
// by the controller through the four agent verbs.
//
//	apply  {"connect_db": [{"table": t, "key": k, "value": v}, ...]}  replace everything
//	update {"connect_db_update": {"table": t, "key": k, "value": v}}  upsert one key
//	delete {"connect_db_delete": {"table": t, "key": k}}             remove one key
//	state  {"server_conf": {"device_id": ..., "local_ip": ...}}       remember the controller
//
// Every verb answers true on success and false when the payload is unusable; a false reply
// still counts as delivered, so the controller does not retry a request that can never
// succeed. With a path configured, the database is written to a JSON file after each change
// and loaded again on start.
package agentdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Version is reported by the legacy "version" verb.
const Version = "1.0"

const (
	agentBinary = "bambuk-openvswitch-agent"
	agentType   = "bambuk-agent"
)

var ErrInvalidPayload = errors.New("agentdb: invalid payload")

// Entry is one row of an apply payload.
type Entry struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type Store struct {
	mu         sync.RWMutex
	tables     map[string]map[string]any
	serverConf any
	agentState map[string]any

	path   string
	logger *zap.Logger
}

type Option func(*Store)

// WithPath persists the database to path.
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns an empty store, or the one saved at the configured path.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		tables: make(map[string]map[string]any),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// State records the controller's configuration and returns this agent's state.
func (s *Store) State(serverConf any) (any, error) {
	conf, ok := serverConf.(map[string]any)
	if !ok {
		return s.reject("state", fmt.Errorf("%w: server_conf is %T", ErrInvalidPayload, serverConf))
	}

	state := map[string]any{
		"binary": agentBinary,
		"host":   conf["device_id"],
		"topic":  "N/A",
		"configurations": map[string]any{
			"tunnel_types":               []any{"vxlan"},
			"tunneling_ip":               conf["local_ip"],
			"l2_population":              true,
			"arp_responder_enabled":      true,
			"enable_distributed_routing": true,
		},
		"agent_type": agentType,
		"start_flag": true,
	}

	s.mu.Lock()
	s.serverConf = serverConf
	s.agentState = state
	s.mu.Unlock()
	return state, nil
}

// Apply replaces the whole database with the given entries.
func (s *Store) Apply(connectDB any) (any, error) {
	rows, ok := connectDB.([]any)
	if !ok && connectDB != nil {
		return s.reject("apply", fmt.Errorf("%w: connect_db is %T", ErrInvalidPayload, connectDB))
	}

	tables := make(map[string]map[string]any)
	for i, row := range rows {
		e, err := entry(row, true)
		if err != nil {
			return s.reject("apply", fmt.Errorf("entry %d: %w", i, err))
		}
		if tables[e.Table] == nil {
			tables[e.Table] = make(map[string]any)
		}
		tables[e.Table][e.Key] = e.Value
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = tables
	return s.commit("apply")
}

// Update sets one key, creating its table if needed.
func (s *Store) Update(update any) (any, error) {
	e, err := entry(update, true)
	if err != nil {
		return s.reject("update", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[e.Table] == nil {
		s.tables[e.Table] = make(map[string]any)
	}
	s.tables[e.Table][e.Key] = e.Value
	return s.commit("update")
}

// Delete removes one key. Removing a missing key succeeds.
func (s *Store) Delete(del any) (any, error) {
	e, err := entry(del, false)
	if err != nil {
		return s.reject("delete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[e.Table], e.Key)
	return s.commit("delete")
}

func (s *Store) Version() (any, error) {
	return Version, nil
}

// Get returns the value stored under table and key.
func (s *Store) Get(table, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tables[table][key]
	return v, ok
}

// Keys returns the keys of table in sorted order.
func (s *Store) Keys(table string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.tables[table]))
	for k := range s.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every table.
func (s *Store) Snapshot() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTables(s.tables)
}

// ServerConf returns the configuration last received through State.
func (s *Store) ServerConf() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverConf
}

func (s *Store) reject(verb string, err error) (any, error) {
	s.logger.Error("rejecting request", zap.String("verb", verb), zap.Error(err))
	return false, nil
}

// commit persists the tables. The caller holds s.mu.
func (s *Store) commit(verb string) (any, error) {
	if s.path == "" {
		return true, nil
	}
	if err := s.save(); err != nil {
		s.logger.Error("cannot persist database", zap.String("verb", verb), zap.String("path", s.path), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func entry(v any, withValue bool) (Entry, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Entry{}, fmt.Errorf("%w: expected an object, got %T", ErrInvalidPayload, v)
	}
	table, _ := m["table"].(string)
	key, _ := m["key"].(string)
	if table == "" || key == "" {
		return Entry{}, fmt.Errorf("%w: table and key are required", ErrInvalidPayload)
	}
	e := Entry{Table: table, Key: key}
	if withValue {
		value, ok := m["value"]
		if !ok {
			return Entry{}, fmt.Errorf("%w: value is required", ErrInvalidPayload)
		}
		e.Value = value
	}
	return e, nil
}

func copyTables(tables map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(tables))
	for name, rows := range tables {
		t := make(map[string]any, len(rows))
		for k, v := range rows {
			t[k] = v
		}
		out[name] = t
	}
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("agentdb: %w", err)
	}
	var tables map[string]map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tables); err != nil {
		return fmt.Errorf("agentdb: corrupt database %s: %w", s.path, err)
	}
	if tables != nil {
		s.tables = tables
	}
	return nil
}

// save writes the tables to a temporary file and renames it over the database.
func (s *Store) save() error {
	data, err := json.Marshal(s.tables)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
