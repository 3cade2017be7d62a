package workflow

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// xmlRoot mirrors the planner's wire format:
//
//	<root>
//	  <name>...</name>
//	  <thought>...</thought>
//	  <agents>
//	    <agent name="..." id="..." dependsOn="...">
//	      <task>...</task>
//	      <nodes>...</nodes>
//	    </agent>
//	  </agents>
//	</root>
type xmlRoot struct {
	XMLName xml.Name  `xml:"root"`
	Name    string    `xml:"name"`
	Thought string    `xml:"thought"`
	Agents  []xmlAgent `xml:"agents>agent"`
}

type xmlAgent struct {
	Name      string    `xml:"name,attr"`
	ID        string    `xml:"id,attr"`
	DependsOn string    `xml:"dependsOn,attr"`
	Task      string    `xml:"task"`
	Nodes     xmlNodes  `xml:"nodes"`
	inner     []byte    // captured raw bytes of this <agent>...</agent>
}

// xmlNodes captures the raw inner content of <nodes> so we can walk it
// ourselves (mixed node/forEach/watch children, with nested recursion).
type xmlNodes struct {
	Inner []byte `xml:",innerxml"`
}

// openTagName matches an opening XML tag name, ignoring attributes.
var openTagName = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9_]*)\b[^>]*?(/?)>`)
var closeTagName = regexp.MustCompile(`</([a-zA-Z][a-zA-Z0-9_]*)\s*>`)

// autoClose makes a possibly-truncated XML prefix well-formed by pushing
// open tags onto a stack and appending matching close tags for anything
// still open at end of input. This is the "tolerant parser" referenced in
// spec §4.6 step 4 and §9: it lets the planner stream intermediate,
// structurally valid workflows before the model finishes emitting XML.
func autoClose(prefix string) string {
	type pos struct {
		name string
	}
	var stack []pos

	// Walk the string once, tracking open/close/self-close tags in order.
	idx := 0
	for idx < len(prefix) {
		rest := prefix[idx:]
		closeLoc := closeTagName.FindStringSubmatchIndex(rest)
		openLoc := openTagName.FindStringSubmatchIndex(rest)

		switch {
		case openLoc != nil && (closeLoc == nil || openLoc[0] <= closeLoc[0]):
			name := rest[openLoc[2]:openLoc[3]]
			selfClosed := rest[openLoc[4]:openLoc[5]] == "/"
			if !selfClosed {
				stack = append(stack, pos{name: name})
			}
			idx += openLoc[1]
		case closeLoc != nil:
			name := rest[closeLoc[2]:closeLoc[3]]
			// Pop the matching open tag if present (tolerate mismatches
			// from a truncated stream by scanning from the top).
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == name {
					stack = stack[:i]
					break
				}
			}
			idx += closeLoc[1]
		default:
			idx = len(prefix)
		}
	}

	var b strings.Builder
	b.WriteString(prefix)
	for i := len(stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "</%s>", stack[i].name)
	}
	return b.String()
}

// ParseStreamPrefix parses a (possibly truncated) XML prefix emitted so far
// by the planner, tolerating unclosed tags. The returned Workflow has
// Partial=true; callers must not treat it as authoritative (§4.6 step 4).
func ParseStreamPrefix(taskID, prefix string) (*Workflow, error) {
	closed := autoClose(prefix)
	wf, err := parse(taskID, closed)
	if err != nil {
		return nil, err
	}
	wf.Partial = true
	return wf, nil
}

// ParseFinal parses the complete XML emitted by the planner at stream end.
// The returned Workflow has Partial=false and is authoritative (§4.6 step 5).
// A malformed document surfaces as WorkflowMalformed (§7).
func ParseFinal(taskID, document string) (*Workflow, error) {
	wf, err := parse(taskID, document)
	if err != nil {
		return nil, &MalformedError{Cause: err}
	}
	wf.Partial = false
	return wf, nil
}

// MalformedError wraps an XML parse failure as spec §7's WorkflowMalformed.
type MalformedError struct{ Cause error }

func (e *MalformedError) Error() string { return fmt.Sprintf("workflow malformed: %v", e.Cause) }
func (e *MalformedError) Unwrap() error { return e.Cause }

func parse(taskID, document string) (*Workflow, error) {
	trimmed := strings.TrimSpace(document)
	if trimmed == "" {
		return &Workflow{TaskID: taskID}, nil
	}

	var root xmlRoot
	dec := xml.NewDecoder(strings.NewReader(trimmed))
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}

	wf := &Workflow{
		TaskID:  taskID,
		Name:    strings.TrimSpace(root.Name),
		Thought: strings.TrimSpace(root.Thought),
	}

	for i, a := range root.Agents {
		nodes, err := parseNodes(a.Nodes.Inner)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}
		wa := WorkflowAgent{
			ID:    a.ID,
			Name:  a.Name,
			Task:  strings.TrimSpace(a.Task),
			Nodes: nodes,
		}
		if a.DependsOn != "" {
			for _, d := range strings.Split(a.DependsOn, ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					wa.DependsOn = append(wa.DependsOn, d)
				}
			}
		}
		wa.XML = []byte(Serialize(wa))
		_ = i
		wf.Agents = append(wf.Agents, wa)
	}

	return wf, nil
}

// rawElem is used to walk an arbitrary <nodes> inner-XML blob generically,
// since it mixes three different element kinds (node/forEach/watch).
type rawElem struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
	Text    string     `xml:",chardata"`
}

func parseNodes(inner []byte) ([]Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	dec.Strict = false

	var nodes []Node
	nextID := 1
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var elem rawElem
		elem.XMLName = se.Name
		if err := dec.DecodeElement(&elem, &se); err != nil {
			return nil, err
		}
		n, err := buildNode(elem, &nextID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func buildNode(elem rawElem, nextID *int) (Node, error) {
	n := Node{Attrs: map[string]string{}}
	for _, a := range elem.Attrs {
		switch a.Name.Local {
		case "id":
			if v, err := strconv.Atoi(a.Value); err == nil {
				n.ID = v
			}
		case "input":
			n.Input = a.Value
		case "output":
			n.Output = a.Value
		case "status":
			n.Status = NodeStatus(a.Value)
		case "items":
			n.Items = a.Value
		case "event":
			n.Event = a.Value
		case "loop":
			n.Loop = a.Value == "true"
		default:
			n.Attrs[a.Name.Local] = a.Value
		}
	}
	if n.ID == 0 {
		n.ID = *nextID
	}
	if *nextID <= n.ID {
		*nextID = n.ID + 1
	}
	if n.Status == "" {
		n.Status = NodeTodo
	}

	switch elem.XMLName.Local {
	case "forEach":
		n.Kind = NodeForEach
		children, err := parseNodes(elem.Inner)
		if err != nil {
			return n, err
		}
		n.Children = children
	case "watch":
		n.Kind = NodeWatch
		desc, trigger := splitWatchInner(elem.Inner)
		n.Text = desc
		children, err := parseNodes(trigger)
		if err != nil {
			return n, err
		}
		n.Children = children
	case "humanInteract":
		n.Kind = NodeHumanInteract
		n.Text = strings.TrimSpace(elem.Text)
	default:
		n.Kind = NodeStep
		n.Text = strings.TrimSpace(elem.Text)
	}
	return n, nil
}

// splitWatchInner pulls the <description> text and <trigger> inner-XML out
// of a <watch> element's raw inner content.
func splitWatchInner(inner []byte) (description string, trigger []byte) {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "description":
			var v struct {
				Text string `xml:",chardata"`
			}
			_ = dec.DecodeElement(&v, &se)
			description = strings.TrimSpace(v.Text)
		case "trigger":
			var v struct {
				Inner []byte `xml:",innerxml"`
			}
			_ = dec.DecodeElement(&v, &se)
			trigger = v.Inner
		}
	}
	return description, trigger
}

// Serialize re-encodes a single agent (its <agent>...</agent> element) in
// the canonical wire form, used both to populate WorkflowAgent.XML and to
// satisfy the round-trip law in spec §8.
func Serialize(a WorkflowAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<agent name=%q id=%q`, a.Name, a.ID)
	if len(a.DependsOn) > 0 {
		fmt.Fprintf(&b, ` dependsOn=%q`, strings.Join(a.DependsOn, ","))
	}
	b.WriteString(">")
	fmt.Fprintf(&b, "<task>%s</task>", xmlEscape(a.Task))
	b.WriteString("<nodes>")
	serializeNodes(&b, a.Nodes)
	b.WriteString("</nodes></agent>")
	return b.String()
}

func serializeNodes(b *strings.Builder, nodes []Node) {
	for _, n := range nodes {
		switch n.Kind {
		case NodeForEach:
			fmt.Fprintf(b, `<forEach id="%d" items=%q>`, n.ID, n.Items)
			serializeNodes(b, n.Children)
			b.WriteString("</forEach>")
		case NodeWatch:
			fmt.Fprintf(b, `<watch id="%d" event=%q loop="%t">`, n.ID, n.Event, n.Loop)
			fmt.Fprintf(b, "<description>%s</description><trigger>", xmlEscape(n.Text))
			serializeNodes(b, n.Children)
			b.WriteString("</trigger></watch>")
		case NodeHumanInteract:
			fmt.Fprintf(b, `<humanInteract id="%d" status=%q>%s</humanInteract>`, n.ID, n.Status, xmlEscape(n.Text))
		default:
			attrs := fmt.Sprintf(`id="%d" status=%q`, n.ID, n.Status)
			if n.Input != "" {
				attrs += fmt.Sprintf(` input=%q`, n.Input)
			}
			if n.Output != "" {
				attrs += fmt.Sprintf(` output=%q`, n.Output)
			}
			fmt.Fprintf(b, `<node %s>%s</node>`, attrs, xmlEscape(n.Text))
		}
	}
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
