package rsyncopts

import (
	"reflect"
	"testing"
)

func TestParseArgumentsBasic(t *testing.T) {
	o := NewOptions(nil)
	rest, err := ParseArguments(o, []string{"-av", "--delete", "src/", "dst/"})
	if err != nil {
		t.Fatal(err)
	}
	if !o.Recurse || !o.PreserveLinks || !o.PreservePerms || !o.PreserveTimes {
		t.Errorf("archive flags not all set: %+v", o)
	}
	if o.Verbose != 1 {
		t.Errorf("Verbose = %d, want 1", o.Verbose)
	}
	if !o.DeleteMode {
		t.Error("DeleteMode not set")
	}
	if !reflect.DeepEqual(rest, []string{"src/", "dst/"}) {
		t.Errorf("remainder = %v, want [src/ dst/]", rest)
	}
}

func TestParseArgumentsEqualsForm(t *testing.T) {
	o := NewOptions(nil)
	_, err := ParseArguments(o, []string{"--protocol=30"})
	if err != nil {
		t.Fatal(err)
	}
	if o.ProtocolVersion != 30 {
		t.Errorf("ProtocolVersion = %d, want 30", o.ProtocolVersion)
	}
}

func TestParseArgumentsExcludeFilter(t *testing.T) {
	o := NewOptions(nil)
	_, err := ParseArguments(o, []string{"--exclude", "*.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(o.Filters) != 1 || o.Filters[0] != "- *.log" {
		t.Errorf("Filters = %v, want [\"- *.log\"]", o.Filters)
	}
}

func TestParseCompatLetters(t *testing.T) {
	c, err := ParseCompatLetters("-e.if")
	if err != nil {
		t.Fatal(err)
	}
	if !c.IncRecurse || !c.SafeFileList {
		t.Errorf("CompatLetters = %+v, want IncRecurse and SafeFileList set", c)
	}
	if c.SymlinkTimes || c.SymlinkIconv {
		t.Errorf("CompatLetters = %+v, want SymlinkTimes/SymlinkIconv unset", c)
	}
}
