package crypto

import "errors"

var (
	ErrNonFiniteFloat   = errors.New("NaN and infinite floats have no canonical form")
	ErrUnsupportedValue = errors.New("value has no canonical JSON form")
	ErrKeyCollision     = errors.New("object keys collide after NFC normalization")
)
