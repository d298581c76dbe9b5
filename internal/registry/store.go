package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"

	"github.com/lora-devicemgr/device-manager/internal/errs"
	"github.com/lora-devicemgr/device-manager/pkg/lorawan"
)

// ErrNotFound is returned by Store.LoadDevice when no provisioning row
// matches the requested DevEUI.
var ErrNotFound = fmt.Errorf("registry: device not found")

// Store is the persistence contract from spec §6: provisioning reads
// (AppKey, region, activation mode) and session writes, transactional
// per device.
type Store interface {
	LoadDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error)
	SaveSession(ctx context.Context, id DeviceID, s Session) error
}

// PostgresStore implements Store against the device_sessions/devices
// tables, following the teacher's BeginTx/Commit/Rollback transaction
// shape for the one write this package needs: installing or advancing a
// session atomically per device.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings a Postgres connection.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &errs.DbError{Op: "open", Err: errors.Wrap(err, "open postgres connection")}
	}
	if err := db.Ping(); err != nil {
		return nil, &errs.DbError{Op: "ping", Err: errors.Wrap(err, "ping postgres")}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// LoadDevice reads the immutable provisioning row plus whatever session
// state (if any) is on file for a device.
func (s *PostgresStore) LoadDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error) {
	const query = `
		SELECT d.id, d.app_eui, d.activation, d.region, d.app_key, d.snap_token,
		       s.dev_addr, s.nwk_s_key, s.app_s_key, s.f_cnt_up, s.f_cnt_down,
		       s.last_dev_nonce, s.joined_at
		FROM devices d
		LEFT JOIN device_sessions s ON s.device_id = d.id
		WHERE d.dev_eui = $1`

	var (
		id                                        int64
		appEUIBytes, appKeyBytes                  []byte
		activation, region                        string
		snapToken                                 sql.NullString
		devAddrBytes, nwkSKeyBytes, appSKeyBytes  []byte
		fCntUp, fCntDown                          sql.NullInt64
		lastDevNonce                              sql.NullInt64
		joinedAt                                  sql.NullTime
	)

	row := s.db.QueryRowContext(ctx, query, devEUI[:])
	err := row.Scan(&id, &appEUIBytes, &activation, &region, &appKeyBytes, &snapToken,
		&devAddrBytes, &nwkSKeyBytes, &appSKeyBytes, &fCntUp, &fCntDown,
		&lastDevNonce, &joinedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &errs.DbError{Op: "load_device", Err: errors.Wrap(err, "scan device row")}
	}

	d := &Device{
		ID:         DeviceID(id),
		DevEUI:     devEUI,
		Activation: ActivationMode(activation),
		Region:     region,
		SnapToken:  snapToken.String,
	}
	copy(d.AppEUI[:], appEUIBytes)
	copy(d.AppKey[:], appKeyBytes)

	if len(devAddrBytes) == 4 {
		sess := &Session{
			FCntUp:       uint32(fCntUp.Int64),
			FCntDown:     uint32(fCntDown.Int64),
			LastDevNonce: uint16(lastDevNonce.Int64),
		}
		copy(sess.DevAddr[:], devAddrBytes)
		copy(sess.NwkSKey[:], nwkSKeyBytes)
		copy(sess.AppSKey[:], appSKeyBytes)
		if joinedAt.Valid {
			sess.JoinedAt = joinedAt.Time
		}
		d.Session = sess
	}

	return d, nil
}

// SaveSession upserts a device's session row inside its own transaction,
// mirroring the teacher's device_session_methods.go upsert shape.
func (s *PostgresStore) SaveSession(ctx context.Context, id DeviceID, sess Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errs.DbError{Op: "begin_tx", Err: errors.Wrap(err, "begin transaction")}
	}

	const query = `
		INSERT INTO device_sessions (
			device_id, dev_addr, nwk_s_key, app_s_key,
			f_cnt_up, f_cnt_down, last_dev_nonce, joined_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id) DO UPDATE SET
			dev_addr = EXCLUDED.dev_addr,
			nwk_s_key = EXCLUDED.nwk_s_key,
			app_s_key = EXCLUDED.app_s_key,
			f_cnt_up = EXCLUDED.f_cnt_up,
			f_cnt_down = EXCLUDED.f_cnt_down,
			last_dev_nonce = EXCLUDED.last_dev_nonce,
			joined_at = EXCLUDED.joined_at,
			updated_at = EXCLUDED.updated_at`

	_, err = tx.ExecContext(ctx, query,
		int64(id), sess.DevAddr[:], sess.NwkSKey[:], sess.AppSKey[:],
		sess.FCntUp, sess.FCntDown, sess.LastDevNonce, sess.JoinedAt, time.Now())
	if err != nil {
		tx.Rollback()
		return &errs.DbError{Op: "save_session", Err: errors.Wrap(err, "upsert device_sessions row")}
	}

	if err := tx.Commit(); err != nil {
		return &errs.DbError{Op: "commit", Err: errors.Wrap(err, "commit session transaction")}
	}
	return nil
}
