// Package store persists the VM registry's aggregate (VM + Hardware + NICs
// + Media) across daemon restarts, so the registry can reconcile on boot
// per spec.md §4.5.
//
// Grounded on the teacher's general pattern of a single struct wrapping a
// *sql.DB with one method per operation, transaction-scoped where more than
// one table is touched (see virtcontainers/persist/fs for the analogous
// "one aggregate, several tables" persistence shape in kata-containers).
// There is no SQL backend anywhere in the example pack, so modernc.org/sqlite
// is the one deliberate out-of-pack dependency this module adds; see
// DESIGN.md.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"github.com/mmvmm/mmvmm/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS vm (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	since      TEXT NOT NULL,
	pid        INTEGER,
	autostart  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS hardware (
	vm_id        INTEGER PRIMARY KEY REFERENCES vm(id) ON DELETE CASCADE,
	ram_m        INTEGER NOT NULL,
	cpus         INTEGER NOT NULL,
	boot         TEXT NOT NULL,
	rtc_utc      INTEGER NOT NULL,
	product_uuid TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nic (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	vm_id   INTEGER NOT NULL REFERENCES vm(id) ON DELETE CASCADE,
	model   TEXT NOT NULL,
	mac     TEXT NOT NULL,
	master  TEXT NOT NULL,
	mtu     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS media (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	vm_id      INTEGER NOT NULL REFERENCES vm(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	path       TEXT NOT NULL,
	format     TEXT NOT NULL,
	read_only  INTEGER NOT NULL,
	interface  TEXT NOT NULL,
	host_cache INTEGER NOT NULL
);
`

// Store is a handle on the daemon's persisted VM registry.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open creates/migrates the SQLite database at dsn and enables foreign key
// enforcement, which SQLite disables by default per connection.
func Open(dsn string, log *logrus.Entry) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn.

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, errors.Wrap(err, "enabling foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "applying schema")
	}

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// New inserts a freshly validated Description and its Hardware/NICs/Media,
// returning the assigned VM. The new VM starts life in StatusNew.
func (s *Store) New(ctx context.Context, d model.Description) (model.VM, error) {
	var vm model.VM
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO vm (name, status, since, pid, autostart) VALUES (?, ?, ?, NULL, ?)`,
			d.Name, string(model.StatusNew), now.Format(time.RFC3339Nano), boolToInt(d.Autostart))
		if err != nil {
			if isUniqueViolation(err) {
				return model.NewFieldError(model.ErrDuplicateName, "name", fmt.Sprintf("a VM named %q already exists", d.Name))
			}
			return errors.Wrap(err, "inserting vm")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "reading inserted vm id")
		}

		if err := insertHardware(ctx, tx, id, d.Hardware); err != nil {
			return err
		}

		vm = model.VM{
			ID:        id,
			Name:      d.Name,
			Status:    model.StatusNew,
			Since:     now,
			Autostart: d.Autostart,
			Hardware:  d.Hardware,
		}
		return nil
	})
	return vm, err
}

func insertHardware(ctx context.Context, tx *sql.Tx, vmID int64, h model.Hardware) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO hardware (vm_id, ram_m, cpus, boot, rtc_utc, product_uuid) VALUES (?, ?, ?, ?, ?, ?)`,
		vmID, h.RAMMiB, h.CPUs, string(h.Boot), boolToInt(h.RTCUTC), h.ProductUUID.String())
	if err != nil {
		return errors.Wrap(err, "inserting hardware")
	}
	for _, n := range h.NICs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nic (vm_id, model, mac, master, mtu) VALUES (?, ?, ?, ?, ?)`,
			vmID, string(n.Model), n.MAC, n.Master, n.MTU); err != nil {
			return errors.Wrap(err, "inserting nic")
		}
	}
	for _, m := range h.Media {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO media (vm_id, type, path, format, read_only, interface, host_cache) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			vmID, string(m.Type), m.Path, string(m.Format), boolToInt(m.ReadOnly), string(m.Interface), boolToInt(m.HostCache)); err != nil {
			return errors.Wrap(err, "inserting media")
		}
	}
	return nil
}

// Delete removes a VM and (via ON DELETE CASCADE) its hardware, NICs and
// media. The caller must ensure the VM is STOPPED first (spec.md §4.4).
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vm WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "deleting vm")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return model.NewError(model.ErrUnknownVM, fmt.Sprintf("no VM with id %d", id))
	}
	return nil
}

// UpdateHardware replaces a STOPPED VM's hardware description wholesale,
// per spec.md §6's update_hardware semantics.
func (s *Store) UpdateHardware(ctx context.Context, id int64, h model.Hardware) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hardware WHERE vm_id = ?`, id); err != nil {
			return errors.Wrap(err, "clearing hardware")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nic WHERE vm_id = ?`, id); err != nil {
			return errors.Wrap(err, "clearing nics")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM media WHERE vm_id = ?`, id); err != nil {
			return errors.Wrap(err, "clearing media")
		}
		return insertHardware(ctx, tx, id, h)
	})
}

// AddNIC appends a NIC to an existing VM's hardware and returns its
// assigned id.
func (s *Store) AddNIC(ctx context.Context, vmID int64, n model.NIC) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nic (vm_id, model, mac, master, mtu) VALUES (?, ?, ?, ?, ?)`,
		vmID, string(n.Model), n.MAC, n.Master, n.MTU)
	if err != nil {
		return 0, errors.Wrap(err, "inserting nic")
	}
	return res.LastInsertId()
}

// DelNIC removes a single NIC by id.
func (s *Store) DelNIC(ctx context.Context, nicID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nic WHERE id = ?`, nicID)
	if err != nil {
		return errors.Wrap(err, "deleting nic")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrValidation, fmt.Sprintf("no NIC with id %d", nicID))
	}
	return nil
}

// AddMedia appends a Media entry to an existing VM's hardware.
func (s *Store) AddMedia(ctx context.Context, vmID int64, m model.Media) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO media (vm_id, type, path, format, read_only, interface, host_cache) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		vmID, string(m.Type), m.Path, string(m.Format), boolToInt(m.ReadOnly), string(m.Interface), boolToInt(m.HostCache))
	if err != nil {
		return 0, errors.Wrap(err, "inserting media")
	}
	return res.LastInsertId()
}

// DelMedia removes a single Media entry by id.
func (s *Store) DelMedia(ctx context.Context, mediaID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, mediaID)
	if err != nil {
		return errors.Wrap(err, "deleting media")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrValidation, fmt.Sprintf("no media with id %d", mediaID))
	}
	return nil
}

// SetAutostart flips the autostart flag, persisted independently of status.
func (s *Store) SetAutostart(ctx context.Context, id int64, on bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE vm SET autostart = ? WHERE id = ?`, boolToInt(on), id)
	if err != nil {
		return errors.Wrap(err, "updating autostart")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrUnknownVM, fmt.Sprintf("no VM with id %d", id))
	}
	return nil
}

// SetStatus persists a VM's lifecycle status and PID, called by the
// supervisor after every successful transition so a restart can reconcile
// from the last known-good state.
func (s *Store) SetStatus(ctx context.Context, id int64, status model.Status, pid *int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vm SET status = ?, since = ?, pid = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), pid, id)
	if err != nil {
		return errors.Wrap(err, "updating status")
	}
	return nil
}

// Get loads a single VM's full aggregate by id.
func (s *Store) Get(ctx context.Context, id int64) (model.VM, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, status, since, pid, autostart FROM vm WHERE id = ?`, id)
	vm, err := scanVM(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VM{}, model.NewError(model.ErrUnknownVM, fmt.Sprintf("no VM with id %d", id))
		}
		return model.VM{}, err
	}
	if err := s.loadHardware(ctx, &vm); err != nil {
		return model.VM{}, err
	}
	return vm, nil
}

// List returns every VM, sorted by name (spec.md's original CLI listed VMs
// alphabetically; SPEC_FULL.md §6 restores that ordering for get_vm_list).
func (s *Store) List(ctx context.Context) ([]model.VM, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, since, pid, autostart FROM vm ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "listing vms")
	}
	defer rows.Close()

	var vms []model.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadHardware(ctx, &vm); err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// ListAutostart returns every VM with autostart set, in id order, used by
// the registry's boot-time autostart phase (spec.md §4.5).
func (s *Store) ListAutostart(ctx context.Context) ([]model.VM, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, since, pid, autostart FROM vm WHERE autostart = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "listing autostart vms")
	}
	defer rows.Close()

	var vms []model.VM
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadHardware(ctx, &vm); err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVM(row scanner) (model.VM, error) {
	var vm model.VM
	var since string
	var status string
	var pid sql.NullInt64
	var autostart int
	if err := row.Scan(&vm.ID, &vm.Name, &status, &since, &pid, &autostart); err != nil {
		return model.VM{}, err
	}
	vm.Status = model.Status(status)
	vm.Autostart = autostart != 0
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return model.VM{}, errors.Wrap(err, "parsing since timestamp")
	}
	vm.Since = t
	if pid.Valid {
		v := pid.Int64
		vm.PID = &v
	}
	return vm, nil
}

func (s *Store) loadHardware(ctx context.Context, vm *model.VM) error {
	row := s.db.QueryRowContext(ctx, `SELECT ram_m, cpus, boot, rtc_utc, product_uuid FROM hardware WHERE vm_id = ?`, vm.ID)
	var ramM, cpus int
	var boot string
	var rtcUTC int
	var productUUID string
	if err := row.Scan(&ramM, &cpus, &boot, &rtcUTC, &productUUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil // CONFIGURING VMs may not have hardware persisted yet.
		}
		return errors.Wrap(err, "loading hardware")
	}
	u, err := uuid.Parse(productUUID)
	if err != nil {
		return errors.Wrap(err, "parsing product_uuid")
	}
	vm.Hardware = model.Hardware{
		RAMMiB:      ramM,
		CPUs:        cpus,
		Boot:        model.BootDevice(boot),
		RTCUTC:      rtcUTC != 0,
		ProductUUID: u,
	}

	nicRows, err := s.db.QueryContext(ctx, `SELECT id, model, mac, master, mtu FROM nic WHERE vm_id = ? ORDER BY id ASC`, vm.ID)
	if err != nil {
		return errors.Wrap(err, "loading nics")
	}
	defer nicRows.Close()
	for nicRows.Next() {
		var n model.NIC
		var nicModel string
		if err := nicRows.Scan(&n.ID, &nicModel, &n.MAC, &n.Master, &n.MTU); err != nil {
			return errors.Wrap(err, "scanning nic")
		}
		n.Model = model.NICModel(nicModel)
		vm.Hardware.NICs = append(vm.Hardware.NICs, n)
	}
	if err := nicRows.Err(); err != nil {
		return err
	}

	mediaRows, err := s.db.QueryContext(ctx, `SELECT id, type, path, format, read_only, interface, host_cache FROM media WHERE vm_id = ? ORDER BY id ASC`, vm.ID)
	if err != nil {
		return errors.Wrap(err, "loading media")
	}
	defer mediaRows.Close()
	for mediaRows.Next() {
		var m model.Media
		var mType, format, iface string
		var readOnly, hostCache int
		if err := mediaRows.Scan(&m.ID, &mType, &m.Path, &format, &readOnly, &iface, &hostCache); err != nil {
			return errors.Wrap(err, "scanning media")
		}
		m.Type = model.MediaType(mType)
		m.Format = model.MediaFormat(format)
		m.Interface = model.MediaInterface(iface)
		m.ReadOnly = readOnly != 0
		m.HostCache = hostCache != 0
		vm.Hardware.Media = append(vm.Hardware.Media, m)
	}
	return mediaRows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.WithError(rerr).Warn("rolling back transaction after error")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation is intentionally loose: modernc.org/sqlite reports
// constraint failures as plain errors whose text names the violated
// constraint rather than a typed error value.
func isUniqueViolation(err error) bool {
	return err != nil && containsUnique(err.Error())
}

func containsUnique(s string) bool {
	for i := 0; i+6 <= len(s); i++ {
		if s[i:i+6] == "UNIQUE" {
			return true
		}
	}
	return false
}
