package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/quittances/quittances/internal/schema"
)

var dateParser = newDateParser()

func newDateParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseIssueDate accepts YYYY-MM-DD or an expression such as "today" or
// "last friday", resolved against now.
func ParseIssueDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	if t, err := time.ParseInLocation(schema.DateLayout, s, now.Location()); err == nil {
		return t, nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %w", ErrInvalid, s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrInvalid, s)
	}
	return r.Time, nil
}
