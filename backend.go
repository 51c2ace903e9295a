package dylibfix

import (
	"github.com/ZenLiuCN/dylibfix/macho"
	"io"
)

type (
	// Artifact is an opened binary whose dynamic-linking metadata can be read and edited.
	//
	// Every edit is a separate update of the file, so an artifact stays valid
	// whenever a later edit fails.
	Artifact interface {
		ID() string                              //self identifier, empty when the artifact has none
		Dependencies() []string                  //dependency references in load order
		SetID(id string) error                   //store the self identifier
		ChangeDependency(old, path string) error //rewrite a dependency reference, no-op when old is absent
		io.Closer
	}
	// Backend opens artifacts. Writable is false for inspection and dry runs.
	Backend interface {
		Open(path string, writable bool) (Artifact, error)
	}
)

// signed is implemented by artifacts that know about code signatures.
type signed interface {
	Signed() bool
}

// rpaths is implemented by artifacts exposing LC_RPATH entries.
type rpaths interface {
	Rpaths() []string
}

// Native edits load commands in process with the [macho] package.
type Native struct{}

func (Native) Open(path string, writable bool) (Artifact, error) {
	f, err := macho.Open(path, writable)
	if err != nil {
		return nil, err
	}
	return f, nil
}
