package errors

import (
	"strconv"

	"github.com/pgengine/pgengine/codes"
)

// field type bytes carried by an ErrorResponse or NoticeResponse message.
// https://www.postgresql.org/docs/current/protocol-error-fields.html
const (
	fieldSeverity       byte = 'S'
	fieldSeverityV      byte = 'V' // non-localized severity, added in protocol 3.0 v14+
	fieldCode           byte = 'C'
	fieldMessage        byte = 'M'
	fieldDetail         byte = 'D'
	fieldHint           byte = 'H'
	fieldPosition       byte = 'P'
	fieldInternalPos    byte = 'p'
	fieldInternalQuery  byte = 'q'
	fieldWhere          byte = 'W'
	fieldSchemaName     byte = 's'
	fieldTableName      byte = 't'
	fieldColumnName     byte = 'c'
	fieldDataTypeName   byte = 'd'
	fieldConstraintName byte = 'n'
	fieldFile           byte = 'F'
	fieldLine           byte = 'L'
	fieldRoutine        byte = 'R'
)

// fieldReader abstracts the single method the wire decoder exposes for
// pulling a null-terminated string out of the current message. It lets this
// package stay independent of the protocol package's concrete Reader type.
type fieldReader interface {
	GetByte() (byte, error)
	GetString() (string, error)
}

// ParseFields consumes a ErrorResponse/NoticeResponse body: a sequence of
// one-byte field codes each followed by a null-terminated string, terminated
// by a zero byte. It is the receive-side mirror of the server's error field
// encoding.
func ParseFields(r fieldReader) (*Error, error) {
	result := &Error{}

	for {
		t, err := r.GetByte()
		if err != nil {
			return nil, err
		}

		if t == 0 {
			break
		}

		value, err := r.GetString()
		if err != nil {
			return nil, err
		}

		switch t {
		case fieldSeverity, fieldSeverityV:
			result.Severity = Severity(value)
		case fieldCode:
			result.Code = codes.Code(value)
		case fieldMessage:
			result.Message = value
		case fieldDetail:
			result.Detail = value
		case fieldHint:
			result.Hint = value
		case fieldConstraintName:
			result.ConstraintName = value
		case fieldFile, fieldLine, fieldRoutine:
			if result.Source == nil {
				result.Source = &Source{}
			}
			switch t {
			case fieldFile:
				result.Source.File = value
			case fieldRoutine:
				result.Source.Function = value
			case fieldLine:
				if n, err := strconv.Atoi(value); err == nil {
					result.Source.Line = int32(n)
				}
			}
		default:
			// position, schema/table/column/datatype, and internal-query
			// fields are accepted but not surfaced on Error today.
		}
	}

	return result, nil
}
