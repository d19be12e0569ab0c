package sdbm

// Flag selects how Open treats an existing or missing store file.
type Flag byte

const (
	// FlagRead opens an existing store for reading only.
	FlagRead = Flag('r')
	// FlagWrite opens an existing store for reading and writing.
	FlagWrite = Flag('w')
	// FlagCreate opens a store for reading and writing, creating it if it is missing.
	FlagCreate = Flag('c')
	// FlagNew always creates a new, empty store, discarding any existing one.
	FlagNew = Flag('n')
)

// DefaultFlag is the flag used by Open callers that have no preference.
const DefaultFlag = FlagCreate

// ParseFlag parses one of "r", "w", "c", or "n".
func ParseFlag(s string) (Flag, error) {
	if len(s) != 1 {
		return 0, ErrInvalidFlag{Flag: s}
	}
	f := Flag(s[0])
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return f, nil
}

func (f Flag) Validate() error {
	switch f {
	case FlagRead, FlagWrite, FlagCreate, FlagNew:
		return nil
	default:
		return ErrInvalidFlag{Flag: string(rune(f))}
	}
}

func (f Flag) String() string {
	return string(rune(f))
}

// mustExist is true for the flags which refuse to create a store.
func (f Flag) mustExist() bool {
	return f == FlagRead || f == FlagWrite
}
