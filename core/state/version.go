package state

import (
	"errors"
	"fmt"
	"math"
)

// SchemaVersion identifies the on-disk layout of the escrow registry.
// Increment it whenever stored records change shape.
const SchemaVersion uint32 = 1

var (
	schemaVersionKey = []byte("escrow/schema/version")
	// ErrSchemaVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrSchemaVersionMismatch = errors.New("state: schema version mismatch")
)

// SetSchemaVersion records the provided schema version.
func (m *Manager) SetSchemaVersion(version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.KVPut(schemaVersionKey, uint64(version))
}

// SchemaVersion returns the stored schema version and whether it was present.
func (m *Manager) SchemaVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(schemaVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureSchemaVersion stamps an empty registry with the current version and
// verifies it otherwise. When allowMigrate is true a mismatch is tolerated so
// operators can run manual migrations.
func (m *Manager) EnsureSchemaVersion(allowMigrate bool) error {
	version, ok, err := m.SchemaVersion()
	if err != nil {
		return err
	}
	if !ok {
		head, err := m.EscrowEventHead()
		if err != nil {
			return err
		}
		if head == 0 {
			return m.SetSchemaVersion(SchemaVersion)
		}
	}
	if version == SchemaVersion || allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
}
