package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/shivay/dispatch-service/internal/domain/model"
)

var _ Store = (*SQLStore)(nil)

// Dialect captures the few places postgres and sqlite disagree.
type Dialect struct {
	Name       string
	DriverName string
	// numbered placeholders ($1) instead of ?
	numbered bool
	schema   []string
}

var commonSchema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		case_id               TEXT PRIMARY KEY,
		emergency_type        TEXT NOT NULL,
		severity_level        TEXT NOT NULL,
		status                TEXT NOT NULL,
		latitude              DOUBLE PRECISION NOT NULL,
		longitude             DOUBLE PRECISION NOT NULL,
		address               TEXT NOT NULL DEFAULT '',
		description           TEXT NOT NULL DEFAULT '',
		caller_id             TEXT NOT NULL DEFAULT '',
		assigned_ambulance_id TEXT NOT NULL DEFAULT '',
		assigned_hospital_id  TEXT NOT NULL DEFAULT '',
		created_at            BIGINT NOT NULL,
		updated_at            BIGINT NOT NULL,
		resolved_at           BIGINT,
		version               BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS cases_status_idx ON cases (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS ambulances (
		ambulance_id            TEXT PRIMARY KEY,
		status                  TEXT NOT NULL,
		latitude                DOUBLE PRECISION NOT NULL,
		longitude               DOUBLE PRECISION NOT NULL,
		address                 TEXT NOT NULL DEFAULT '',
		assigned_case_id        TEXT NOT NULL DEFAULT '',
		destination_hospital_id TEXT NOT NULL DEFAULT '',
		capabilities            TEXT NOT NULL DEFAULT '',
		updated_at              BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hospitals (
		hospital_id    TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		is_active      BOOLEAN NOT NULL,
		total_capacity INTEGER NOT NULL,
		occupied       INTEGER NOT NULL,
		latitude       DOUBLE PRECISION NOT NULL,
		longitude      DOUBLE PRECISION NOT NULL,
		address        TEXT NOT NULL DEFAULT '',
		updated_at     BIGINT NOT NULL
	)`,
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "postgres",
		numbered:   true,
		schema: append(append([]string{}, commonSchema...),
			`CREATE TABLE IF NOT EXISTS assignments (
				seq           BIGSERIAL PRIMARY KEY,
				assignment_id TEXT NOT NULL UNIQUE,
				case_id       TEXT NOT NULL,
				ambulance_id  TEXT NOT NULL DEFAULT '',
				hospital_id   TEXT NOT NULL DEFAULT '',
				outcome       TEXT NOT NULL,
				reason        TEXT NOT NULL DEFAULT '',
				decided_at    BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS assignments_case_idx ON assignments (case_id, seq)`,
		),
	}
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		schema: append(append([]string{}, commonSchema...),
			`CREATE TABLE IF NOT EXISTS assignments (
				seq           INTEGER PRIMARY KEY AUTOINCREMENT,
				assignment_id TEXT NOT NULL UNIQUE,
				case_id       TEXT NOT NULL,
				ambulance_id  TEXT NOT NULL DEFAULT '',
				hospital_id   TEXT NOT NULL DEFAULT '',
				outcome       TEXT NOT NULL,
				reason        TEXT NOT NULL DEFAULT '',
				decided_at    BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS assignments_case_idx ON assignments (case_id, seq)`,
		),
	}
)

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("store: unsupported sql driver %q", driver)
}

// rebind rewrites ? placeholders into $N for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens the database for driver ("postgres" or "sqlite") and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if d.Name == SQLite.Name {
		// a single writer avoids SQLITE_BUSY under concurrent commits
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, d)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

const caseColumns = `case_id, emergency_type, severity_level, status, latitude, longitude, address,
	description, caller_id, assigned_ambulance_id, assigned_hospital_id,
	created_at, updated_at, resolved_at, version`

func caseArgs(c *model.EmergencyCase) []any {
	var resolved sql.NullInt64
	if c.ResolvedAt != nil {
		resolved = sql.NullInt64{Int64: c.ResolvedAt.UnixNano(), Valid: true}
	}
	return []any{
		c.ID, string(c.Type), string(c.Severity), string(c.Status),
		c.Location.Latitude, c.Location.Longitude, c.Location.Address,
		c.Description, c.CallerID, c.AssignedAmbulanceID, c.AssignedHospitalID,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), resolved, c.Version,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*model.EmergencyCase, error) {
	var (
		c                model.EmergencyCase
		typ, sev, status string
		created, updated int64
		resolved         sql.NullInt64
	)
	err := row.Scan(&c.ID, &typ, &sev, &status,
		&c.Location.Latitude, &c.Location.Longitude, &c.Location.Address,
		&c.Description, &c.CallerID, &c.AssignedAmbulanceID, &c.AssignedHospitalID,
		&created, &updated, &resolved, &c.Version)
	if err != nil {
		return nil, err
	}
	c.Type = model.EmergencyType(typ)
	c.Severity = model.Severity(sev)
	c.Status = model.CaseStatus(status)
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	if resolved.Valid {
		t := time.Unix(0, resolved.Int64).UTC()
		c.ResolvedAt = &t
	}
	return &c, nil
}

func (s *SQLStore) CreateCase(ctx context.Context, c *model.EmergencyCase) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO cases (`+caseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), caseArgs(c)...)
	if isUniqueViolation(err) {
		return model.Conflictf("case %s already exists", c.ID)
	}
	if err != nil {
		return fmt.Errorf("store: create case %s: %w", c.ID, err)
	}
	return nil
}

// isUniqueViolation recognizes a duplicate primary key from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLStore) GetCase(ctx context.Context, id string) (*model.EmergencyCase, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+caseColumns+` FROM cases WHERE case_id = ?`), id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("case %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get case %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLStore) UpdateCase(ctx context.Context, c *model.EmergencyCase, expectedPrior model.CaseStatus) error {
	args := caseArgs(c)
	// SET everything but the key, then WHERE key AND prior status
	args = append(args[1:], c.ID, string(expectedPrior))
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE cases SET
		emergency_type = ?, severity_level = ?, status = ?, latitude = ?, longitude = ?, address = ?,
		description = ?, caller_id = ?, assigned_ambulance_id = ?, assigned_hospital_id = ?,
		created_at = ?, updated_at = ?, resolved_at = ?, version = ?
		WHERE case_id = ? AND status = ?`), args...)
	if err != nil {
		return fmt.Errorf("store: update case %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update case %s: %w", c.ID, err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetCase(ctx, c.ID); err != nil {
		return err
	}
	return model.Conflictf("case %s is no longer %s", c.ID, expectedPrior)
}

func (s *SQLStore) QueryCases(ctx context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Severity != "" {
		where = append(where, "severity_level = ?")
		args = append(args, string(f.Severity))
	}
	if f.Type != "" {
		where = append(where, "emergency_type = ?")
		args = append(args, string(f.Type))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM cases`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count cases: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = model.MaxListLimit
	}
	pageArgs := append(append([]any{}, args...), limit, f.Skip)
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+caseColumns+` FROM cases`+clause+` ORDER BY created_at, case_id LIMIT ? OFFSET ?`),
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: query cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.EmergencyCase, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: query cases: %w", err)
	}
	return out, total, nil
}

func joinCapabilities(caps []model.EmergencyType) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func splitCapabilities(s string) []model.EmergencyType {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.EmergencyType, len(parts))
	for i, p := range parts {
		out[i] = model.EmergencyType(p)
	}
	return out
}

func (s *SQLStore) UpsertAmbulance(ctx context.Context, a *model.Ambulance) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO ambulances
		(ambulance_id, status, latitude, longitude, address, assigned_case_id, destination_hospital_id, capabilities, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ambulance_id) DO UPDATE SET
			status = excluded.status,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			address = excluded.address,
			assigned_case_id = excluded.assigned_case_id,
			destination_hospital_id = excluded.destination_hospital_id,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at`),
		a.ID, string(a.Status), a.Location.Latitude, a.Location.Longitude, a.Location.Address,
		a.AssignedCaseID, a.DestinationHospitalID, joinCapabilities(a.Capabilities), a.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert ambulance %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) ListAmbulances(ctx context.Context) ([]*model.Ambulance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ambulance_id, status, latitude, longitude, address,
		assigned_case_id, destination_hospital_id, capabilities, updated_at
		FROM ambulances ORDER BY ambulance_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list ambulances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.Ambulance, 0)
	for rows.Next() {
		var (
			a       model.Ambulance
			status  string
			caps    string
			updated int64
		)
		if err := rows.Scan(&a.ID, &status, &a.Location.Latitude, &a.Location.Longitude, &a.Location.Address,
			&a.AssignedCaseID, &a.DestinationHospitalID, &caps, &updated); err != nil {
			return nil, fmt.Errorf("store: scan ambulance: %w", err)
		}
		a.Status = model.AmbulanceStatus(status)
		a.Capabilities = splitCapabilities(caps)
		a.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertHospital(ctx context.Context, h *model.Hospital) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO hospitals
		(hospital_id, name, is_active, total_capacity, occupied, latitude, longitude, address, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hospital_id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			total_capacity = excluded.total_capacity,
			occupied = excluded.occupied,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			address = excluded.address,
			updated_at = excluded.updated_at`),
		h.ID, h.Name, h.Active, h.TotalCapacity, h.Occupied,
		h.Location.Latitude, h.Location.Longitude, h.Location.Address, h.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: upsert hospital %s: %w", h.ID, err)
	}
	return nil
}

func (s *SQLStore) ListHospitals(ctx context.Context) ([]*model.Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hospital_id, name, is_active, total_capacity, occupied,
		latitude, longitude, address, updated_at
		FROM hospitals ORDER BY hospital_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list hospitals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.Hospital, 0)
	for rows.Next() {
		var (
			h       model.Hospital
			updated int64
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.Active, &h.TotalCapacity, &h.Occupied,
			&h.Location.Latitude, &h.Location.Longitude, &h.Location.Address, &updated); err != nil {
			return nil, fmt.Errorf("store: scan hospital: %w", err)
		}
		h.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendAssignment(ctx context.Context, r *model.AssignmentRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO assignments
		(assignment_id, case_id, ambulance_id, hospital_id, outcome, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.CaseID, r.AmbulanceID, r.HospitalID, string(r.Outcome), r.Reason, r.DecidedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: append assignment for %s: %w", r.CaseID, err)
	}
	return nil
}

const assignmentColumns = `assignment_id, case_id, ambulance_id, hospital_id, outcome, reason, decided_at`

func scanAssignment(row rowScanner) (*model.AssignmentRecord, error) {
	var (
		r       model.AssignmentRecord
		outcome string
		decided int64
	)
	if err := row.Scan(&r.ID, &r.CaseID, &r.AmbulanceID, &r.HospitalID, &outcome, &r.Reason, &decided); err != nil {
		return nil, err
	}
	r.Outcome = model.AssignmentOutcome(outcome)
	r.DecidedAt = time.Unix(0, decided).UTC()
	return &r, nil
}

func (s *SQLStore) ListAssignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if caseID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments ORDER BY seq`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			s.q(`SELECT `+assignmentColumns+` FROM assignments WHERE case_id = ? ORDER BY seq`), caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.AssignmentRecord, 0)
	for rows.Next() {
		r, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan assignment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) LatestAssignment(ctx context.Context, caseID string) (*model.AssignmentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+assignmentColumns+` FROM assignments WHERE case_id = ? ORDER BY seq DESC LIMIT 1`), caseID)
	r, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("no assignment for case %s", caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest assignment for %s: %w", caseID, err)
	}
	return r, nil
}
