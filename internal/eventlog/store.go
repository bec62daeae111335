package eventlog

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Actor recorded on every row this orchestrator writes.
const Actor = "UPSTRA"

const (
	entityMigration = "migration"
	statusEntityID  = "migration_status"
)

// HistoryEvent is one row of the durable event table.
type HistoryEvent struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Entity    string    `gorm:"column:entity"`
	EntityID  string    `gorm:"column:entity_id"`
	Action    string    `gorm:"column:action"`
	Metadata  string    `gorm:"column:metadata"`
	Actor     string    `gorm:"column:actor"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName maps the model onto the shared history table.
func (HistoryEvent) TableName() string {
	return "history_event"
}

// Store is the append-only event log of one site. Rows are never updated or
// deleted during a run; the only mutation besides INSERT is the pointer file
// removal in EndRun.
type Store struct {
	db          *gorm.DB
	crypt       Encryptor
	pointerPath string
	runID       string
}

// NewStore creates a store over the given database handle. pointerPath may
// be empty to use the default location.
func NewStore(db *gorm.DB, crypt Encryptor, pointerPath string) *Store {
	if pointerPath == "" {
		pointerPath = DefaultPointerPath
	}
	return &Store{db: db, crypt: crypt, pointerPath: pointerPath}
}

// RunID returns the id of the run the store is bound to, empty before
// BeginRun or AttachRun.
func (s *Store) RunID() string {
	return s.runID
}

// BeginRun binds the store to the persisted run, creating a fresh run id if
// none is in progress, and writes the START_MIGRATION marker.
func (s *Store) BeginRun() (string, error) {
	id, err := loadOrCreateRunID(s.pointerPath)
	if err != nil {
		return "", err
	}
	s.runID = id

	if err := s.MarkStatus(StatusStartMigration); err != nil {
		return "", err
	}

	log.WithField("run_id", id).Info("Migration run started")
	return id, nil
}

// AttachRun binds the store to an existing run. ErrNoRun when the pointer
// file is absent; used by the rollback engine whose precondition is a
// previously persisted run.
func (s *Store) AttachRun() (string, error) {
	id, err := readRunID(s.pointerPath)
	if err != nil {
		return "", err
	}
	s.runID = id
	return id, nil
}

func (s *Store) entityID(event Event, phase Phase) string {
	if event.Action() == ActionMigrationError {
		return fmt.Sprintf("%s_%s", PhaseError, s.runID)
	}
	return fmt.Sprintf("%s_%s", phase, s.runID)
}

// Append serializes the event (encrypting credential fields) and inserts one
// row. The caller must only append after the described effect was confirmed;
// a failed append is a durability failure and must abort the run.
func (s *Store) Append(event Event, phase Phase) error {
	if s.runID == "" {
		return fmt.Errorf("eventlog: no run bound, call BeginRun first")
	}

	metadata, err := Marshal(event, s.crypt)
	if err != nil {
		return err
	}

	row := HistoryEvent{
		Entity:    entityMigration,
		EntityID:  s.entityID(event, phase),
		Action:    string(event.Action()),
		Metadata:  metadata,
		Actor:     Actor,
		CreatedAt: time.Now(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Action(), err)
	}

	log.WithFields(log.Fields{
		"run_id": s.runID,
		"action": event.Action(),
		"phase":  phase,
	}).Debug("Event appended")
	return nil
}

// MarkStatus writes a status marker row under the shared status entity id.
func (s *Store) MarkStatus(status Status) error {
	row := HistoryEvent{
		Entity:    entityMigration,
		EntityID:  statusEntityID,
		Action:    string(status),
		Actor:     Actor,
		CreatedAt: time.Now(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to mark %s status: %w", status, err)
	}
	return nil
}

// ReadForward returns the run's forward-phase events in insertion order.
func (s *Store) ReadForward(runID string) ([]Event, error) {
	return s.readEvents(runID, "created_at ASC, id ASC")
}

// ReadForRollback returns the run's forward-phase events in reverse
// insertion order, ready for inverse application.
func (s *Store) ReadForRollback(runID string) ([]Event, error) {
	return s.readEvents(runID, "created_at DESC, id DESC")
}

func (s *Store) readEvents(runID, order string) ([]Event, error) {
	entityID := fmt.Sprintf("%s_%s", PhaseForward, runID)

	var rows []HistoryEvent
	err := s.db.
		Where("entity = ? AND entity_id = ?", entityMigration, entityID).
		Order(order).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read events for run %s: %w", runID, err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		event, err := Unmarshal(Action(row.Action), row.Metadata, s.crypt)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// StatusMarker is one status row, surfaced by the status API.
type StatusMarker struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// LatestStatus returns the most recent status marker, nil when none was ever
// written.
func (s *Store) LatestStatus() (*StatusMarker, error) {
	var row HistoryEvent
	err := s.db.
		Where("entity = ? AND entity_id = ?", entityMigration, statusEntityID).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest status: %w", err)
	}
	return &StatusMarker{Status: Status(row.Action), At: row.CreatedAt}, nil
}

// PeekRun reads the persisted run id without binding the store to it.
// ErrNoRun when no run is in progress.
func (s *Store) PeekRun() (string, error) {
	return readRunID(s.pointerPath)
}

// EndRun writes the END_ROLLBACK marker and deletes the run pointer,
// destroying the run.
func (s *Store) EndRun() error {
	if err := s.MarkStatus(StatusEndRollback); err != nil {
		return err
	}
	if err := removeRunID(s.pointerPath); err != nil {
		return err
	}

	log.WithField("run_id", s.runID).Info("Migration run closed")
	s.runID = ""
	return nil
}
