package memory

import (
	"context"
	"maps"
	"sync"
)

// CredentialStore is an in-memory implementation of storage.CredentialStore.
type CredentialStore struct {
	creds map[string]map[string]string
	mu    sync.RWMutex
}

// NewCredentialStore creates a new memory credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: map[string]map[string]string{}}
}

func credentialKey(tenantID, clusterID string) string { return tenantID + "/" + clusterID }

// GetCredentials returns the sensitive fields of a cluster, missing credentials are not an error.
func (s *CredentialStore) GetCredentials(ctx context.Context, tenantID, clusterID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.creds[credentialKey(tenantID, clusterID)]), nil
}

// SetCredentials stores the sensitive fields of a cluster.
func (s *CredentialStore) SetCredentials(ctx context.Context, tenantID, clusterID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[credentialKey(tenantID, clusterID)] = maps.Clone(fields)
	return nil
}

// WipeCredentials removes the sensitive fields of a cluster.
func (s *CredentialStore) WipeCredentials(ctx context.Context, tenantID, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, credentialKey(tenantID, clusterID))
	return nil
}
