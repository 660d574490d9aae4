package dataroute

import (
	"context"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const storeTimeout = 2 * time.Second

// RouteRecord is what the store keeps of an installed route: enough to
// tear it down from a later process.
type RouteRecord struct {
	ID         string
	Name       string
	Created    time.Time
	Keys       []string
	Processors []byte
	Loggers    []byte
	Events     []byte
	Removed    bool
}

// RouteStore persists route records in sqlite.
type RouteStore struct {
	db   *sql.DB
	path string
}

// OpenRouteStore opens or creates the database at path.
func OpenRouteStore(path string) (*RouteStore, error) {
	logFields := log.Fields{"fnct": "OpenRouteStore", "path": path}
	if dir := filepath.Dir(path); dir != "" {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			log.WithFields(logFields).Tracef("Create Folder: %v", dir)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrapf(err, "creating %s", dir)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)
	st := &RouteStore{db: db, path: path}
	if err := st.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	log.WithFields(logFields).Infoln("opened route store")
	return st, nil
}

func (st *RouteStore) createTables() error {
	sqlStr := `CREATE TABLE IF NOT EXISTS routes (
			id          TEXT PRIMARY KEY,
			name        TEXT DEFAULT '',
			created     INTEGER NOT NULL,
			keys        TEXT DEFAULT '',
			processors  TEXT DEFAULT '',
			loggers     TEXT DEFAULT '',
			events      TEXT DEFAULT '',
			removed     INTEGER DEFAULT 0
		   );`
	if err := st.exec(sqlStr); err != nil {
		return errors.Wrap(err, "failed to create routes table")
	}
	return nil
}

func (st *RouteStore) exec(sqlStr string, args ...interface{}) error {
	logFields := log.Fields{"fnct": "exec", "path": st.path}
	log.WithFields(logFields).Tracef("query: %s", sqlStr)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	tx, err := st.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if _, execErr := tx.ExecContext(ctx, sqlStr, args...); execErr != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.WithFields(logFields).Errorf("exec failed: %v, unable to rollback: %v", execErr, rollbackErr)
		}
		return execErr
	}
	return tx.Commit()
}

// Save inserts or replaces rec.
func (st *RouteStore) Save(rec RouteRecord) error {
	logFields := log.Fields{"fnct": "Save", "route": rec.ID}
	log.WithFields(logFields).Debugf("%s", rec.Name)
	removed := 0
	if rec.Removed {
		removed = 1
	}
	err := st.exec(`INSERT OR REPLACE INTO routes (id, name, created, keys, processors, loggers, events, removed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Created.UnixNano(), strings.Join(rec.Keys, ","),
		hex.EncodeToString(rec.Processors), hex.EncodeToString(rec.Loggers), hex.EncodeToString(rec.Events),
		removed)
	if err != nil {
		log.WithFields(logFields).Errorf("insert failed: %v", err)
		return errors.Wrapf(err, "saving route %s", rec.ID)
	}
	return nil
}

// MarkRemoved flags the route as no longer installed.
func (st *RouteStore) MarkRemoved(id string) error {
	if err := st.exec("UPDATE routes SET removed = 1 WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "marking route %s removed", id)
	}
	return nil
}

// Get returns the record of id.
func (st *RouteStore) Get(id string) (RouteRecord, bool, error) {
	recs, err := st.query("SELECT id, name, created, keys, processors, loggers, events, removed FROM routes WHERE id = ?", id)
	if err != nil || len(recs) == 0 {
		return RouteRecord{}, false, err
	}
	return recs[0], true, nil
}

// Installed returns the routes not marked removed, oldest first.
func (st *RouteStore) Installed() ([]RouteRecord, error) {
	return st.query("SELECT id, name, created, keys, processors, loggers, events, removed FROM routes WHERE removed = 0 ORDER BY created")
}

func (st *RouteStore) query(sqlStr string, args ...interface{}) ([]RouteRecord, error) {
	logFields := log.Fields{"fnct": "query", "path": st.path}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rows, err := st.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RouteRecord
	for rows.Next() {
		var rec RouteRecord
		var created int64
		var keys, procs, loggers, events string
		var removed int
		if err := rows.Scan(&rec.ID, &rec.Name, &created, &keys, &procs, &loggers, &events, &removed); err != nil {
			log.WithFields(logFields).Errorf("Scan failed: %v", err)
			return nil, err
		}
		rec.Created = time.Unix(0, created)
		if keys != "" {
			rec.Keys = strings.Split(keys, ",")
		}
		if rec.Processors, err = hex.DecodeString(procs); err != nil {
			return nil, errors.Wrapf(err, "route %s processors", rec.ID)
		}
		if rec.Loggers, err = hex.DecodeString(loggers); err != nil {
			return nil, errors.Wrapf(err, "route %s loggers", rec.ID)
		}
		if rec.Events, err = hex.DecodeString(events); err != nil {
			return nil, errors.Wrapf(err, "route %s events", rec.ID)
		}
		rec.Removed = removed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (st *RouteStore) Close() error {
	return st.db.Close()
}
