package db

import (
	"fmt"
	"strings"

	"github.com/rx3lixir/migration-service/internal/migration"
)

// buildInsertQuery строит INSERT для одной записи категории.
// Возвращает готовый SQL запрос и массив аргументов для защиты от SQL injection.
func buildInsertQuery(table string, kind migration.EntityKind, migrationID, entityID string, fields migration.FieldMap) (string, []any, error) {
	allowed, ok := updatableColumns[kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown entity kind: %s", kind)
	}

	columns := []string{"entity_id", "migration_id"}
	args := []any{entityID, migrationID}

	for _, col := range allowed {
		if v, present := fields[col]; present {
			columns = append(columns, col)
			args = append(args, v)
		}
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (entity_id) DO NOTHING",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args, nil
}

// buildUpdateQuery строит UPDATE по entity_id из допустимых колонок категории
func buildUpdateQuery(table string, kind migration.EntityKind, entityID string, fields migration.FieldMap) (string, []any, error) {
	allowed, ok := updatableColumns[kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown entity kind: %s", kind)
	}

	var setClauses []string
	var args []any
	argIndex := 1

	for _, col := range allowed {
		if v, present := fields[col]; present {
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIndex))
			args = append(args, v)
			argIndex++
		}
	}

	if len(setClauses) == 0 {
		return "", nil, fmt.Errorf("no updatable fields for %s entity %s", kind, entityID)
	}

	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, entityID)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE entity_id = $%d",
		table,
		strings.Join(setClauses, ", "),
		argIndex,
	)
	return query, args, nil
}
