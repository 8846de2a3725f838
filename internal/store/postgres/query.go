package postgres

import (
	"fmt"
	"strings"
	"time"
)

// selectBuilder appends WHERE conditions and pagination with numbered
// placeholders.
type selectBuilder struct {
	sb   strings.Builder
	args []any
}

func newSelect(base string, args ...any) *selectBuilder {
	b := &selectBuilder{args: args}
	b.sb.WriteString(base)
	return b
}

// where appends " AND <cond>" where cond holds one %s for the placeholder.
func (b *selectBuilder) where(cond string, arg any) *selectBuilder {
	b.args = append(b.args, arg)
	b.sb.WriteString(" AND ")
	b.sb.WriteString(fmt.Sprintf(cond, fmt.Sprintf("$%d", len(b.args))))
	return b
}

func (b *selectBuilder) window(col string, since, until *time.Time) *selectBuilder {
	if since != nil {
		b.where(col+" >= %s", *since)
	}
	if until != nil {
		b.where(col+" <= %s", *until)
	}
	return b
}

func (b *selectBuilder) page(order string, limit, offset int) *selectBuilder {
	b.sb.WriteString(" ORDER BY ")
	b.sb.WriteString(order)
	if limit > 0 {
		b.args = append(b.args, limit)
		b.sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(b.args)))
	}
	if offset > 0 {
		b.args = append(b.args, offset)
		b.sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(b.args)))
	}
	return b
}

func (b *selectBuilder) build() (string, []any) { return b.sb.String(), b.args }
