package screen

import (
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
)

// Node is one element of the visible UI tree.
type Node struct {
	Text        string  `xml:"text,attr"`
	ResourceID  string  `xml:"resource-id,attr"`
	Class       string  `xml:"class,attr"`
	Package     string  `xml:"package,attr"`
	ContentDesc string  `xml:"content-desc,attr"`
	Clickable   bool    `xml:"clickable,attr"`
	Enabled     bool    `xml:"enabled,attr"`
	Focused     bool    `xml:"focused,attr"`
	Password    bool    `xml:"password,attr"`
	Bounds      string  `xml:"bounds,attr"`
	Children    []*Node `xml:"node"`
}

// Snapshot is a structural dump of the current screen.
type Snapshot struct {
	Root       *Node
	Foreground string
}

type hierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []*Node  `xml:"node"`
}

// ParseHierarchy decodes a window hierarchy dump. The foreground package is
// taken from the first top-level node that declares one.
func ParseHierarchy(raw string) (*Snapshot, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty window hierarchy")
	}
	var h hierarchy
	if err := xml.Unmarshal([]byte(raw), &h); err != nil {
		return nil, errors.Wrap(err, "parse window hierarchy")
	}
	snap := &Snapshot{Root: &Node{Children: h.Nodes}}
	for _, n := range h.Nodes {
		if n != nil && n.Package != "" {
			snap.Foreground = n.Package
			break
		}
	}
	return snap, nil
}

// Walk visits every node depth-first. Returning false stops the walk.
func (s *Snapshot) Walk(fn func(n *Node) bool) {
	if s == nil || s.Root == nil {
		return
	}
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if n == nil {
			return true
		}
		if !fn(n) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(s.Root)
}

// Corpus returns the lower-cased visible text, descriptions and resource ids
// joined by newlines, for keyword matching.
func (s *Snapshot) Corpus() string {
	var b strings.Builder
	s.Walk(func(n *Node) bool {
		for _, v := range []string{n.Text, n.ContentDesc, n.ResourceID} {
			if v = strings.TrimSpace(v); v != "" {
				b.WriteString(strings.ToLower(v))
				b.WriteByte('\n')
			}
		}
		return true
	})
	return b.String()
}

// IsInput reports whether n is an editable text field.
func (n *Node) IsInput() bool {
	return strings.Contains(n.Class, "EditText") || strings.Contains(n.Class, "AutoCompleteTextView")
}

// IsPasswordInput reports whether n is a password-like input.
func (n *Node) IsPasswordInput() bool {
	if !n.IsInput() {
		return false
	}
	if n.Password {
		return true
	}
	probe := strings.ToLower(n.ResourceID + " " + n.ContentDesc + " " + n.Text)
	return strings.Contains(probe, "password")
}

// Inputs returns all editable fields in document order.
func (s *Snapshot) Inputs() []*Node {
	var out []*Node
	s.Walk(func(n *Node) bool {
		if n.IsInput() {
			out = append(out, n)
		}
		return true
	})
	return out
}

// HasCredentialInputs reports whether a username-like and a password-like
// input are both present.
func (s *Snapshot) HasCredentialInputs() bool {
	user, pass := false, false
	for _, n := range s.Inputs() {
		if n.IsPasswordInput() {
			pass = true
		} else {
			user = true
		}
	}
	return user && pass
}
