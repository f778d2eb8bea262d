package rsyncfilter

import "testing"

func TestExcludeGlob(t *testing.T) {
	l := NewList()
	if err := l.AddLine("- *.log"); err != nil {
		t.Fatal(err)
	}
	if !l.ExcludeMatch("skip.log", false) {
		t.Error("skip.log should be excluded")
	}
	if l.ExcludeMatch("keep.txt", false) {
		t.Error("keep.txt should not be excluded")
	}
}

func TestProtect(t *testing.T) {
	l := NewList()
	if err := l.AddLine("P holy"); err != nil {
		t.Fatal(err)
	}
	if !l.ProtectMatch("holy", false) {
		t.Error("holy should be protected")
	}
	if l.ProtectMatch("stale", false) {
		t.Error("stale should not be protected")
	}
}

func TestAnchoredRule(t *testing.T) {
	l := NewList()
	if err := l.AddLine("- /top.txt"); err != nil {
		t.Fatal(err)
	}
	if !l.ExcludeMatch("./top.txt", false) {
		t.Error("anchored rule should match ./top.txt")
	}
	if l.ExcludeMatch("sub/top.txt", false) {
		t.Error("anchored rule should not match sub/top.txt")
	}
}

func TestChildInheritance(t *testing.T) {
	parent := NewList()
	_ = parent.AddLine("- *.log")
	child := parent.Child()
	if !child.ExcludeMatch("a.log", false) {
		t.Error("child should inherit parent's exclude rule")
	}
}
