package protocol

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/imagine/schema"
)

func TestExtractWindowNew(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  schema.Action
	}{
		{
			name:  "full",
			input: "WINDOW NEW → id: X, title: \"T\", size: lg\n",
			want:  schema.NewWindowAction("X", "T", schema.SizeLarge),
		},
		{
			name:  "no size",
			input: "WINDOW NEW → id: todo, title: \"Tasks\"\n",
			want:  schema.NewWindowAction("todo", "Tasks", schema.SizeMedium),
		},
		{
			name:  "unknown size",
			input: "WINDOW NEW → id: todo, title: \"Tasks\", size: huge\n",
			want:  schema.NewWindowAction("todo", "Tasks", schema.SizeMedium),
		},
		{
			name:  "lowercase keywords",
			input: "window new → id: a_1, title: \"A\", size: xl\n",
			want:  schema.NewWindowAction("a_1", "A", schema.SizeXLarge),
		},
		{
			name:  "embedded in prose",
			input: "Sure! WINDOW NEW → id: calc, title: \"Calculator\" size: sm\n",
			want:  schema.NewWindowAction("calc", "Calculator", schema.SizeSmall),
		},
	}
	for _, tc := range cases {
		got := Extract(tc.input, false)
		if diff := cmp.Diff([]schema.Action{tc.want}, got); diff != "" {
			t.Fatalf("case %q mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestExtractDefersOpenContent(t *testing.T) {
	buffer := "WINDOW NEW → id: todo, title: \"Tasks\"\n" +
		"DOM REPLACE HTML → selector: #todo\n" +
		"HTML CONTENT:\n" +
		"<div>\n<p>hi</p>\n"
	got := Extract(buffer, false)
	want := []schema.Action{schema.NewWindowAction("todo", "Tasks", schema.SizeMedium)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("open content emitted (-want +got):\n%s", diff)
	}

	closed := buffer + "WINDOW CLOSE → id: other\n"
	got = Extract(closed, false)
	want = []schema.Action{
		schema.NewWindowAction("todo", "Tasks", schema.SizeMedium),
		schema.UpdateWindowAction("todo", "<div>\n<p>hi</p>"),
		schema.CloseWindowAction("other"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("terminated content mismatch (-want +got):\n%s", diff)
	}

	got = Extract(buffer, true)
	want = want[:2]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("final content mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	buffer := "thinking...\nWINDOW NEW → id: a, title: \"A\"\nDOM REPLACE HTML → selector: #a\nHTML CONTENT:\n<p>a</p>\nWINDOW SCRIPT → id: a\nSCRIPT CONTENT:\nconsole.log(1)\n"
	first := Extract(buffer, true)
	second := Extract(buffer, true)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rescan differs (-first +second):\n%s", diff)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 actions, got %d: %+v", len(first), first)
	}
}

func TestExtractSelectorSuffixStripped(t *testing.T) {
	for _, selector := range []string{"#todo .window-content", "#todo.window-content", "#todo > ul"} {
		buffer := "DOM REPLACE HTML → selector: " + selector + "\nHTML CONTENT:\n<ul></ul>\n"
		got := Extract(buffer, true)
		want := []schema.Action{schema.UpdateWindowAction("todo", "<ul></ul>")}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("selector %q mismatch (-want +got):\n%s", selector, diff)
		}
	}
}

func TestExtractDiscardsNonHTMLContent(t *testing.T) {
	buffer := "DOM REPLACE HTML → selector: #a\nHTML CONTENT:\njust some words\n"
	if got := Extract(buffer, true); len(got) != 0 {
		t.Fatalf("expected no actions, got %+v", got)
	}
}

func TestExtractSameLineContent(t *testing.T) {
	buffer := "DOM REPLACE HTML → selector: #a\nHTML CONTENT: <p>x</p>\nWINDOW CLOSE → id: a\n"
	want := []schema.Action{
		schema.UpdateWindowAction("a", "<p>x</p>"),
		schema.CloseWindowAction("a"),
	}
	if diff := cmp.Diff(want, Extract(buffer, false)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractScript(t *testing.T) {
	buffer := "WINDOW SCRIPT → id: calc\nSCRIPT CONTENT:\nconst x = 1;\nconsole.log(x);\n"
	if got := Extract(buffer, false); len(got) != 0 {
		t.Fatalf("expected open script to be deferred, got %+v", got)
	}
	want := []schema.Action{schema.ScriptWindowAction("calc", "const x = 1;\nconsole.log(x);")}
	if diff := cmp.Diff(want, Extract(buffer, true)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	empty := "WINDOW SCRIPT → id: calc\nSCRIPT CONTENT:\n   \n"
	if got := Extract(empty, true); len(got) != 0 {
		t.Fatalf("expected empty script to be discarded, got %+v", got)
	}
}

func TestExtractASCIIArrows(t *testing.T) {
	buffer := "WINDOW NEW -> id: a, title: \"A\"\nWINDOW CLOSE => id: b\n"
	if got := Extract(buffer, false); len(got) != 2 {
		t.Fatalf("expected ascii arrows to be accepted, got %+v", got)
	}
	strict := New(Options{ASCIIArrows: false})
	if got := strict.Scan(buffer, false).Actions; len(got) != 0 {
		t.Fatalf("expected strict grammar to reject ascii arrows, got %+v", got)
	}
}

func TestExtractIgnoresPartialHeaderLine(t *testing.T) {
	buffer := "WINDOW NEW → id: todo, title: \"Ta"
	res := New(DefaultOptions()).Scan(buffer, false)
	if len(res.Actions) != 0 {
		t.Fatalf("expected no actions, got %+v", res.Actions)
	}
	if res.Consumed != 0 {
		t.Fatalf("expected nothing consumed, got %d", res.Consumed)
	}
}

func TestScanConsumedStopsAtOpenCommand(t *testing.T) {
	buffer := "prose\nWINDOW NEW → id: a, title: \"A\"\nDOM REPLACE HTML → selector: #a\nHTML CONTENT:\n<p>x"
	res := New(DefaultOptions()).Scan(buffer, false)
	want := strings.Index(buffer, "DOM REPLACE")
	if res.Consumed != want {
		t.Fatalf("expected consumed %d, got %d", want, res.Consumed)
	}
	rest := buffer[res.Consumed:] + "</p>\nWINDOW CLOSE → id: a\n"
	got := Extract(rest, false)
	wantActions := []schema.Action{
		schema.UpdateWindowAction("a", "<p>x</p>"),
		schema.CloseWindowAction("a"),
	}
	if diff := cmp.Diff(wantActions, got); diff != "" {
		t.Fatalf("compacted rescan mismatch (-want +got):\n%s", diff)
	}
}

func TestScanConsumedAfterFinal(t *testing.T) {
	buffer := "WINDOW NEW → id: a, title: \"A\""
	res := New(DefaultOptions()).Scan(buffer, true)
	if res.Consumed != len(buffer) || len(res.Actions) != 1 {
		t.Fatalf("unexpected final result: %+v", res)
	}
}

func TestExtractAbandonsReplaceWithoutMarker(t *testing.T) {
	buffer := "DOM REPLACE HTML → selector: #a\nno marker here\nWINDOW NEW → id: b, title: \"B\"\n<p>late</p>\n"
	want := []schema.Action{schema.NewWindowAction("b", "B", schema.SizeMedium)}
	if diff := cmp.Diff(want, Extract(buffer, true)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
