package clsproducer

import (
	"regexp"
	"testing"
)

func TestGenPackPrefix(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9A-F]{16}$`)
	a, b := genPackPrefix("topic-a"), genPackPrefix("topic-b")
	if !hexRe.MatchString(a) || !hexRe.MatchString(b) {
		t.Fatalf("prefixes %s %s", a, b)
	}
	if a == b {
		t.Fatal("prefixes of different topics collide")
	}
}

func TestFormatPackID(t *testing.T) {
	if got := formatPackID("ABC", 255); got != "ABC-FF" {
		t.Fatalf("got %s", got)
	}
	if got := formatPackID("ABC", 0); got != "ABC-0" {
		t.Fatalf("got %s", got)
	}
}
