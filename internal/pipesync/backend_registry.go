package pipesync

import (
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)
type InboxFactory func(dsn string, capacity int) (EventInbox, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	repoFactories  map[string]RepositoryFactory
	inboxFactories map[string]InboxFactory
}{
	repoFactories:  map[string]RepositoryFactory{},
	inboxFactories: map[string]InboxFactory{},
}

// RegisterRepositoryFactory lets a caller plug in a storage backend for a DSN
// scheme. Registered factories take precedence over the built-in ones.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.repoFactories[scheme] = factory
}

func RegisterInboxFactory(scheme string, factory InboxFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.inboxFactories[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.repoFactories[scheme]
	return factory, ok
}

func lookupInboxFactory(scheme string) (InboxFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.inboxFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
