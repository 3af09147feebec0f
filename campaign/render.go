package campaign

import (
	"strconv"
	"strings"
)

// RenderData holds the values available to message templates.
type RenderData struct {
	CustomerName string
	Stamps       int
	Days         int
	BusinessName string
}

// Render substitutes the {name}, {first_name}, {stamps}, {days} and
// {business} placeholders of a merchant template. Unknown placeholders are
// left untouched.
func Render(template string, d RenderData) string {
	first := d.CustomerName
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	r := strings.NewReplacer(
		"{name}", d.CustomerName,
		"{first_name}", first,
		"{stamps}", strconv.Itoa(d.Stamps),
		"{days}", strconv.Itoa(d.Days),
		"{business}", d.BusinessName,
	)
	return r.Replace(template)
}
