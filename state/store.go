package state

import (
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

// Store is a key/value trading-state snapshot. Every Set rewrites the
// whole file atomically; the in-memory copy stays authoritative when a
// write fails.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]jsoniter.RawMessage
	log  *zap.SugaredLogger
}

// OpenStore loads path if it exists. A missing file is an empty store.
func OpenStore(path string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		path: path,
		data: make(map[string]jsoniter.RawMessage),
		log:  logging.OrNop(log),
	}
	err := ReadJSON(path, &s.data)
	switch {
	case err == nil:
	case os.IsNotExist(errors.Cause(err)):
	default:
		return nil, errors.Wrap(err, "open state store")
	}
	if s.data == nil {
		s.data = make(map[string]jsoniter.RawMessage)
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Get decodes the value stored under key into v. It reports false when
// the key is absent.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, errors.Wrapf(err, "decode state %q", key)
	}
	return true, nil
}

// Set stores v under key and persists the snapshot.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode state %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return s.flushLocked()
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flushLocked()
}

func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) flushLocked() error {
	if err := WriteJSONAtomic(s.path, s.data); err != nil {
		s.log.Warnw("state snapshot write failed", "path", s.path, "err", err)
		return err
	}
	return nil
}
