package sqlite

import "context"

// ErrorMessageIsNull reports whether the stored error_message of id is NULL.
func (s *Store) ErrorMessageIsNull(ctx context.Context, id string) (bool, error) {
	var isNull bool
	err := s.db.QueryRowContext(ctx, "SELECT error_message IS NULL FROM usage_records WHERE id = ?", id).Scan(&isNull)
	return isNull, err
}
