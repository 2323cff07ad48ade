package columns

import "fmt"

// ColumnType is the measurement level of a dataset column, as named by the
// controller in computeColumn requests.
type ColumnType string

const (
	TypeScale       ColumnType = "scale"
	TypeOrdinal     ColumnType = "ordinal"
	TypeNominal     ColumnType = "nominal"
	TypeNominalText ColumnType = "nominalText"
)

// ParseColumnType maps a columnType field onto a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	switch ColumnType(s) {
	case TypeScale, TypeOrdinal, TypeNominal, TypeNominalText:
		return ColumnType(s), nil
	default:
		return "", fmt.Errorf("unknown column type: %q", s)
	}
}

// String returns the wire representation of the column type.
func (t ColumnType) String() string {
	return string(t)
}
