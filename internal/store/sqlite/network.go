package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bloodgrid/internal/domain"
)

func (s *Store) CreateHospital(ctx context.Context, h domain.Hospital) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO hospitals(id, name, latitude, longitude, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.Latitude, h.Longitude, h.CreatedAt.Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "create hospital")
	}
	return nil
}

func (s *Store) GetHospital(ctx context.Context, hospitalID string) (domain.Hospital, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, latitude, longitude, created_at FROM hospitals WHERE id = ?`,
		hospitalID,
	)
	var h domain.Hospital
	var created int64
	if err := row.Scan(&h.ID, &h.Name, &h.Latitude, &h.Longitude, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Hospital{}, domain.NotFoundf("hospital %s not found", hospitalID)
		}
		return domain.Hospital{}, domain.Storagef(err, "get hospital")
	}
	h.CreatedAt = unixToTime(created)
	return h, nil
}

func (s *Store) ListHospitals(ctx context.Context) ([]domain.Hospital, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, latitude, longitude, created_at FROM hospitals ORDER BY name ASC`,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list hospitals")
	}
	defer rows.Close()

	result := make([]domain.Hospital, 0)
	for rows.Next() {
		var h domain.Hospital
		var created int64
		if err := rows.Scan(&h.ID, &h.Name, &h.Latitude, &h.Longitude, &created); err != nil {
			return nil, domain.Storagef(err, "scan hospital")
		}
		h.CreatedAt = unixToTime(created)
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate hospitals")
	}
	return result, nil
}

const donorColumns = `id, name, blood_group, latitude, longitude, date_of_birth,
	verification_status, strike_count, suspended_until, last_donation_at,
	response_rate, no_show_count, median_response_sec, created_at`

func scanDonor(scan func(dest ...any) error) (domain.Donor, error) {
	var d domain.Donor
	var group, status string
	var suspended, lastDonation sql.NullInt64
	var created int64
	if err := scan(
		&d.ID, &d.Name, &group, &d.Latitude, &d.Longitude, &d.DateOfBirth,
		&status, &d.StrikeCount, &suspended, &lastDonation,
		&d.ResponseRate, &d.NoShowCount, &d.MedianResponseSec, &created,
	); err != nil {
		return domain.Donor{}, err
	}
	d.BloodGroup = domain.BloodType(group)
	d.VerificationStatus = domain.VerificationStatus(status)
	d.SuspendedUntil = int64ToTimePtr(suspended)
	d.LastDonationAt = int64ToTimePtr(lastDonation)
	d.CreatedAt = unixToTime(created)
	return d, nil
}

func (s *Store) CreateDonor(ctx context.Context, d domain.Donor) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.VerificationStatus == "" {
		d.VerificationStatus = domain.VerificationPending
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO donors(
			id, name, blood_group, latitude, longitude, date_of_birth,
			verification_status, strike_count, suspended_until, last_donation_at,
			response_rate, no_show_count, median_response_sec, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, string(d.BloodGroup), d.Latitude, d.Longitude, d.DateOfBirth,
		string(d.VerificationStatus), d.StrikeCount, nullableUnix(d.SuspendedUntil),
		nullableUnix(d.LastDonationAt), d.ResponseRate, d.NoShowCount,
		d.MedianResponseSec, d.CreatedAt.Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "create donor")
	}
	return nil
}

func (s *Store) GetDonor(ctx context.Context, donorID string) (domain.Donor, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+donorColumns+` FROM donors WHERE id = ?`,
		donorID,
	)
	d, err := scanDonor(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Donor{}, domain.NotFoundf("donor %s not found", donorID)
		}
		return domain.Donor{}, domain.Storagef(err, "get donor")
	}
	return d, nil
}

// ListDonorsByBloodTypes returns donors whose blood group is one of the
// given types. Suspension and verification gating is the caller's job:
// eligibility must be recomputed from suspended_until at read time.
func (s *Store) ListDonorsByBloodTypes(ctx context.Context, types []domain.BloodType) ([]domain.Donor, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(types))
	for i, t := range types {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(t))
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+donorColumns+` FROM donors WHERE blood_group IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list donors by blood types")
	}
	defer rows.Close()

	result := make([]domain.Donor, 0)
	for rows.Next() {
		d, err := scanDonor(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan donor")
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate donors")
	}
	return result, nil
}

// UpdateDonorVerificationIf writes a donor's verification state only when
// the stored strike count still matches expectStrikes. The conditional
// update closes the race between two concurrent verification checks.
func (s *Store) UpdateDonorVerificationIf(
	ctx context.Context,
	donorID string,
	expectStrikes int,
	status domain.VerificationStatus,
	strikes int,
	suspendedUntil *time.Time,
) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE donors
		SET verification_status = ?, strike_count = ?, suspended_until = ?
		WHERE id = ? AND strike_count = ?`,
		string(status), strikes, nullableUnix(suspendedUntil), donorID, expectStrikes,
	)
	if err != nil {
		return false, domain.Storagef(err, "update donor verification")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "donor verification affected rows")
	}
	return affected > 0, nil
}

func (s *Store) UpsertInventoryLevel(ctx context.Context, level domain.InventoryLevel) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO inventory_levels(
			hospital_id, blood_type, units_available, units_reserved,
			threshold_units, last_restock_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hospital_id, blood_type) DO UPDATE SET
			units_available = excluded.units_available,
			units_reserved = excluded.units_reserved,
			threshold_units = excluded.threshold_units,
			last_restock_at = excluded.last_restock_at,
			updated_at = excluded.updated_at`,
		level.HospitalID, string(level.BloodType), level.UnitsAvailable, level.UnitsReserved,
		level.ThresholdUnits, nullableUnix(level.LastRestockAt), time.Now().UTC().Unix(),
	)
	if err != nil {
		return domain.Storagef(err, "upsert inventory level")
	}
	return nil
}

const inventoryColumns = `id, hospital_id, blood_type, units_available, units_reserved,
	threshold_units, last_restock_at, updated_at`

func scanInventory(scan func(dest ...any) error) (domain.InventoryLevel, error) {
	var level domain.InventoryLevel
	var bloodType string
	var restock sql.NullInt64
	var updated int64
	if err := scan(
		&level.ID, &level.HospitalID, &bloodType, &level.UnitsAvailable, &level.UnitsReserved,
		&level.ThresholdUnits, &restock, &updated,
	); err != nil {
		return domain.InventoryLevel{}, err
	}
	level.BloodType = domain.BloodType(bloodType)
	level.LastRestockAt = int64ToTimePtr(restock)
	level.UpdatedAt = unixToTime(updated)
	return level, nil
}

func (s *Store) GetInventoryLevel(ctx context.Context, hospitalID string, bloodType domain.BloodType) (domain.InventoryLevel, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+inventoryColumns+` FROM inventory_levels WHERE hospital_id = ? AND blood_type = ?`,
		hospitalID, string(bloodType),
	)
	level, err := scanInventory(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryLevel{}, domain.NotFoundf("inventory for hospital %s type %s not found", hospitalID, bloodType)
		}
		return domain.InventoryLevel{}, domain.Storagef(err, "get inventory level")
	}
	return level, nil
}

func (s *Store) ListInventoryLevels(ctx context.Context) ([]domain.InventoryLevel, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+inventoryColumns+` FROM inventory_levels ORDER BY hospital_id, blood_type`,
	)
	if err != nil {
		return nil, domain.Storagef(err, "list inventory levels")
	}
	defer rows.Close()

	result := make([]domain.InventoryLevel, 0)
	for rows.Next() {
		level, err := scanInventory(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan inventory level")
		}
		result = append(result, level)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate inventory levels")
	}
	return result, nil
}

func (s *Store) ListInventoryByBloodType(ctx context.Context, bloodType domain.BloodType) ([]domain.InventoryLevel, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+inventoryColumns+` FROM inventory_levels WHERE blood_type = ? AND units_available > 0`,
		string(bloodType),
	)
	if err != nil {
		return nil, domain.Storagef(err, "list inventory by blood type")
	}
	defer rows.Close()

	result := make([]domain.InventoryLevel, 0)
	for rows.Next() {
		level, err := scanInventory(rows.Scan)
		if err != nil {
			return nil, domain.Storagef(err, "scan inventory level")
		}
		result = append(result, level)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storagef(err, "iterate inventory levels")
	}
	return result, nil
}

// ReserveInventory atomically moves units from available to reserved. The
// decrement is conditioned on sufficient available stock, so a concurrent
// reservation cannot oversell.
func (s *Store) ReserveInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error) {
	if units <= 0 {
		return false, domain.Validationf("reserve units must be positive, got %d", units)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE inventory_levels
		SET units_available = units_available - ?,
			units_reserved = units_reserved + ?,
			updated_at = ?
		WHERE hospital_id = ? AND blood_type = ? AND units_available >= ?`,
		units, units, time.Now().UTC().Unix(), hospitalID, string(bloodType), units,
	)
	if err != nil {
		return false, domain.Storagef(err, "reserve inventory")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "reserve inventory affected rows")
	}
	return affected > 0, nil
}

// ReleaseInventory returns previously reserved units to available stock.
// Conditioned on the reserved count still covering the release, so a double
// release finds zero rows and reports false rather than inflating stock.
func (s *Store) ReleaseInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error) {
	if units <= 0 {
		return false, domain.Validationf("release units must be positive, got %d", units)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE inventory_levels
		SET units_available = units_available + ?,
			units_reserved = units_reserved - ?,
			updated_at = ?
		WHERE hospital_id = ? AND blood_type = ? AND units_reserved >= ?`,
		units, units, time.Now().UTC().Unix(), hospitalID, string(bloodType), units,
	)
	if err != nil {
		return false, domain.Storagef(err, "release inventory")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "release inventory affected rows")
	}
	return affected > 0, nil
}

// AddInventory credits delivered units to a hospital's available stock,
// creating the level row if the hospital has never stocked the type.
func (s *Store) AddInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) error {
	if units <= 0 {
		return domain.Validationf("add units must be positive, got %d", units)
	}
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO inventory_levels(
			hospital_id, blood_type, units_available, units_reserved,
			threshold_units, last_restock_at, updated_at
		) VALUES(?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(hospital_id, blood_type) DO UPDATE SET
			units_available = units_available + excluded.units_available,
			last_restock_at = excluded.last_restock_at,
			updated_at = excluded.updated_at`,
		hospitalID, string(bloodType), units, now, now,
	)
	if err != nil {
		return domain.Storagef(err, "add inventory")
	}
	return nil
}

// ConsumeReservedInventory removes reserved units on delivery.
func (s *Store) ConsumeReservedInventory(ctx context.Context, hospitalID string, bloodType domain.BloodType, units int) (bool, error) {
	if units <= 0 {
		return false, domain.Validationf("consume units must be positive, got %d", units)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE inventory_levels
		SET units_reserved = units_reserved - ?,
			updated_at = ?
		WHERE hospital_id = ? AND blood_type = ? AND units_reserved >= ?`,
		units, time.Now().UTC().Unix(), hospitalID, string(bloodType), units,
	)
	if err != nil {
		return false, domain.Storagef(err, "consume reserved inventory")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.Storagef(err, "consume reserved affected rows")
	}
	return affected > 0, nil
}
