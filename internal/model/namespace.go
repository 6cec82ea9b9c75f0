package model

import (
	"fmt"
	"strings"
)

// Namespace identifies a time-series collection as "<db>.<coll>"
type Namespace struct {
	DB   string `json:"db" yaml:"db"`
	Coll string `json:"coll" yaml:"coll"`
}

// NewNamespace builds a namespace from its database and collection parts
func NewNamespace(db, coll string) Namespace {
	return Namespace{DB: db, Coll: coll}
}

// ParseNamespace splits "<db>.<coll>" on the first dot
func ParseNamespace(s string) (Namespace, error) {
	db, coll, ok := strings.Cut(s, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("malformed namespace %q", s)
	}
	return Namespace{DB: db, Coll: coll}, nil
}

// String returns the dotted form of the namespace
func (ns Namespace) String() string {
	return ns.DB + "." + ns.Coll
}
