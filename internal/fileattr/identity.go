// Package fileattr models rsync file attributes (ownership, mode, times)
// and the pluggable back-end used to apply them to a real filesystem.
package fileattr

import "fmt"

// NOBODY and ROOT are the sentinel principal IDs called out by the data
// model: NOBODY is the default unprivileged owner, ROOT is id 0.
const (
	NOBODY = 65534
	ROOT   = 0
)

// User identifies a file owner: a numeric id in [0, 65535] and a name of at
// most 255 bytes. Two Users compare equal iff both id and name match.
type User struct {
	ID   int
	Name string
}

// Group identifies a file group owner with the same shape as User.
type Group struct {
	ID   int
	Name string
}

// NewUser validates id and name against the data-model constraints.
func NewUser(id int, name string) (User, error) {
	if err := validateID(id); err != nil {
		return User{}, err
	}
	if err := validateName(name); err != nil {
		return User{}, err
	}
	return User{ID: id, Name: name}, nil
}

// NewGroup validates id and name against the data-model constraints.
func NewGroup(id int, name string) (Group, error) {
	if err := validateID(id); err != nil {
		return Group{}, err
	}
	if err := validateName(name); err != nil {
		return Group{}, err
	}
	return Group{ID: id, Name: name}, nil
}

func validateID(id int) error {
	if id < 0 || id > 65535 {
		return fmt.Errorf("fileattr: id %d out of range [0, 65535]", id)
	}
	return nil
}

func validateName(name string) error {
	if len(name) > 255 {
		return fmt.Errorf("fileattr: name %q exceeds 255 bytes", name)
	}
	return nil
}

// NobodyUser and NobodyGroup are the well-known unprivileged sentinels.
var (
	NobodyUser  = User{ID: NOBODY, Name: "nobody"}
	NobodyGroup = Group{ID: NOBODY, Name: "nobody"}
	RootUser    = User{ID: ROOT, Name: "root"}
	RootGroup   = Group{ID: ROOT, Name: "root"}
)
