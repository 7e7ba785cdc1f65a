// Package validation проверяет идентификаторы, которые передаются в протоколе синхронизации.
package validation

import (
	"fmt"
	"regexp"
	"unicode"
)

// TableNamePattern определяет допустимый формат имени таблицы
// Строчные латинские буквы, цифры и нижнее подчеркивание, первая буква обязательна
var TableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const (
	// MaxTableNameLen максимальная длина имени таблицы
	MaxTableNameLen = 63
	// MaxRecordIDLen максимальная длина идентификатора записи
	MaxRecordIDLen = 128
)

// ValidateTableName проверяет, что имя таблицы подходит для лога изменений
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}

	if len(name) > MaxTableNameLen {
		return fmt.Errorf("table name must not exceed %d characters", MaxTableNameLen)
	}

	if !TableNamePattern.MatchString(name) {
		return fmt.Errorf("table name %q can only contain lowercase letters, numbers and underscores, starting with a letter", name)
	}

	return nil
}

// ValidateRecordID проверяет идентификатор записи
// Любые печатные символы без пробелов по краям
func ValidateRecordID(id string) error {
	if id == "" {
		return fmt.Errorf("record id cannot be empty")
	}

	if len(id) > MaxRecordIDLen {
		return fmt.Errorf("record id must not exceed %d characters", MaxRecordIDLen)
	}

	for i, r := range id {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("record id contains a non-printable character at %d", i)
		}
	}
	if unicode.IsSpace(rune(id[0])) || unicode.IsSpace(rune(id[len(id)-1])) {
		return fmt.Errorf("record id cannot start or end with whitespace")
	}

	return nil
}
