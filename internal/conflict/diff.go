package conflict

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/docsync/internal/doc"
)

// FieldDiff summarizes one overlapping field for the user.
// Values are canonical JSON; an absent field is rendered as "".
type FieldDiff struct {
	Field  string `json:"field"`
	Base   string `json:"base,omitempty"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
	// Patch renders remote→local as word-diff text: [-removed-]{+added+}.
	Patch string `json:"patch"`
}

// Summarize builds the diff summary for the overlapping fields of a.
func Summarize(a Analysis, base, local, remote doc.Content) []FieldDiff {
	dmp := diffmatchpatch.New()
	out := make([]FieldDiff, 0, len(a.Overlap))
	for _, f := range a.Overlap {
		fd := FieldDiff{
			Field:  f,
			Local:  render(local, f),
			Remote: render(remote, f),
		}
		if base != nil {
			fd.Base = render(base, f)
		}
		diffs := dmp.DiffMain(fd.Remote, fd.Local, false)
		diffs = dmp.DiffCleanupSemantic(diffs)
		fd.Patch = wordDiff(diffs)
		out = append(out, fd)
	}
	return out
}

func render(c doc.Content, field string) string {
	v, ok := c[field]
	if !ok {
		return ""
	}
	b, err := doc.MarshalCanonical(v)
	if err != nil {
		return "<unrenderable>"
	}
	return string(b)
}

func wordDiff(diffs []diffmatchpatch.Diff) string {
	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("{+" + d.Text + "+}")
		}
	}
	return sb.String()
}
