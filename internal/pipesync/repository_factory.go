package pipesync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildRepositoryFromDSN opens the storage backend named by dsn. An empty
// dsn yields an in-memory repository.
func BuildRepositoryFromDSN(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRepository(path)
	case "memory", "mem", "inmem":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		return NewPostgresRepository(dsn)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: repository backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}

// BuildInboxFromDSN opens the event inbox named by dsn. An empty dsn yields
// a bounded channel.
func BuildInboxFromDSN(dsn string, capacity int) (EventInbox, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryInbox(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupInboxFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileInbox(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryInbox(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresInbox(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: inbox backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported inbox scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
