package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aescanero/agentflow/internal/domain"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS definitions (
	id       TEXT PRIMARY KEY,
	key      TEXT NOT NULL,
	version  INTEGER NOT NULL,
	status   TEXT NOT NULL,
	doc      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_definitions_key ON definitions(key, version);
CREATE INDEX IF NOT EXISTS idx_definitions_status ON definitions(status);

CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	doc         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS agents (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
`

// Store implements ports.Store on an embedded SQLite database.
// Entities are stored as JSON documents next to the columns used for lookups.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	inMemory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a different database
		conn.SetMaxOpenConns(1)
	} else {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))

	return &Store{conn: conn, path: path, logger: logger}, nil
}

// SaveDefinition stores a process definition
func (s *Store) SaveDefinition(ctx context.Context, def *domain.ProcessDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO definitions (id, key, version, status, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET key = excluded.key, version = excluded.version,
			status = excluded.status, doc = excluded.doc`,
		def.ID, def.Key, def.Version, string(def.Status), string(doc))
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

// FindDefinition retrieves a process definition by id
func (s *Store) FindDefinition(ctx context.Context, id string) (*domain.ProcessDefinition, error) {
	var def domain.ProcessDefinition
	err := s.getDoc(ctx, `SELECT doc FROM definitions WHERE id = ?`, id, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeDefinitionNotFound, "definition not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find definition: %w", err)
	}
	return &def, nil
}

// FindDefinitionsByKey returns every version of key, oldest first
func (s *Store) FindDefinitionsByKey(ctx context.Context, key string) ([]*domain.ProcessDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT doc FROM definitions WHERE key = ? ORDER BY version`, key)
}

// FindDefinitionsByStatus returns definitions in status
func (s *Store) FindDefinitionsByStatus(ctx context.Context, status domain.DefinitionStatus) ([]*domain.ProcessDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT doc FROM definitions WHERE status = ? ORDER BY key, version`, string(status))
}

// ListDefinitions returns all definitions
func (s *Store) ListDefinitions(ctx context.Context) ([]*domain.ProcessDefinition, error) {
	return s.queryDefinitions(ctx, `SELECT doc FROM definitions ORDER BY key, version`)
}

func (s *Store) queryDefinitions(ctx context.Context, query string, args ...interface{}) ([]*domain.ProcessDefinition, error) {
	out := make([]*domain.ProcessDefinition, 0)
	err := s.queryDocs(ctx, query, args, func(doc []byte) error {
		var def domain.ProcessDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return err
		}
		out = append(out, &def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	return out, nil
}

// SaveInstance stores a process instance
func (s *Store) SaveInstance(ctx context.Context, inst *domain.ProcessInstance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO instances (id, status, started_at, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
		inst.ID, string(inst.Status), inst.StartedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

// FindInstance retrieves a process instance by id
func (s *Store) FindInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	var inst domain.ProcessInstance
	err := s.getDoc(ctx, `SELECT doc FROM instances WHERE id = ?`, id, &inst)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeInstanceNotFound, "instance not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find instance: %w", err)
	}
	return &inst, nil
}

// FindInstancesByStatus returns instances in status; empty status matches all
func (s *Store) FindInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]*domain.ProcessInstance, error) {
	query := `SELECT doc FROM instances ORDER BY started_at`
	var args []interface{}
	if status != "" {
		query = `SELECT doc FROM instances WHERE status = ? ORDER BY started_at`
		args = append(args, string(status))
	}

	out := make([]*domain.ProcessInstance, 0)
	err := s.queryDocs(ctx, query, args, func(doc []byte) error {
		var inst domain.ProcessInstance
		if err := json.Unmarshal(doc, &inst); err != nil {
			return err
		}
		out = append(out, &inst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	return out, nil
}

// SaveTask stores a task instance
func (s *Store) SaveTask(ctx context.Context, task *domain.TaskInstance) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, instance_id, status, sequence, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
		task.ID, task.InstanceID, string(task.Status), int64(task.Sequence), string(doc))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// FindTask retrieves a task by id
func (s *Store) FindTask(ctx context.Context, id string) (*domain.TaskInstance, error) {
	var task domain.TaskInstance
	err := s.getDoc(ctx, `SELECT doc FROM tasks WHERE id = ?`, id, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeTaskNotFound, "task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find task: %w", err)
	}
	return &task, nil
}

// FindTasksByInstance returns the tasks of an instance in creation order
func (s *Store) FindTasksByInstance(ctx context.Context, instanceID string) ([]*domain.TaskInstance, error) {
	return s.queryTasks(ctx, `SELECT doc FROM tasks WHERE instance_id = ? ORDER BY sequence`, instanceID)
}

// FindTasksByStatus returns tasks in status
func (s *Store) FindTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.TaskInstance, error) {
	return s.queryTasks(ctx, `SELECT doc FROM tasks WHERE status = ? ORDER BY sequence`, string(status))
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*domain.TaskInstance, error) {
	out := make([]*domain.TaskInstance, 0)
	err := s.queryDocs(ctx, query, args, func(doc []byte) error {
		var task domain.TaskInstance
		if err := json.Unmarshal(doc, &task); err != nil {
			return err
		}
		out = append(out, &task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return out, nil
}

// SaveAgent stores an agent descriptor
func (s *Store) SaveAgent(ctx context.Context, agent *domain.AgentDescriptor) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO agents (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		agent.ID, string(doc))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

// FindAgent retrieves an agent descriptor by id
func (s *Store) FindAgent(ctx context.Context, id string) (*domain.AgentDescriptor, error) {
	var agent domain.AgentDescriptor
	err := s.getDoc(ctx, `SELECT doc FROM agents WHERE id = ?`, id, &agent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeAgentNotFound, "agent not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find agent: %w", err)
	}
	return &agent, nil
}

// FindAgents returns all agent descriptors sorted by id
func (s *Store) FindAgents(ctx context.Context) ([]*domain.AgentDescriptor, error) {
	out := make([]*domain.AgentDescriptor, 0)
	err := s.queryDocs(ctx, `SELECT doc FROM agents ORDER BY id`, nil, func(doc []byte) error {
		var agent domain.AgentDescriptor
		if err := json.Unmarshal(doc, &agent); err != nil {
			return err
		}
		out = append(out, &agent)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	return out, nil
}

// DeleteAgent removes an agent descriptor
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) getDoc(ctx context.Context, query, id string, out interface{}) error {
	var doc string
	if err := s.conn.QueryRowContext(ctx, query, id).Scan(&doc); err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), out)
}

func (s *Store) queryDocs(ctx context.Context, query string, args []interface{}, fn func(doc []byte) error) error {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := fn([]byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}
