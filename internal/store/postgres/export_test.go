package postgres

import "context"

// Truncate empties the usage table between conformance cases.
func (s *Store) Truncate(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("TRUNCATE TABLE usage_records").Error
}

// ErrorMessageIsNull reports whether the stored error_message of id is NULL.
func (s *Store) ErrorMessageIsNull(ctx context.Context, id string) (bool, error) {
	var isNull bool
	err := s.db.WithContext(ctx).Raw("SELECT error_message IS NULL FROM usage_records WHERE id = ?", id).Scan(&isNull).Error
	return isNull, err
}
