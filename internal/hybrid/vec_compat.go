//go:build !(sqlite_vec && cgo)

package hybrid

import (
	"database/sql/driver"
	"fmt"

	sqlite "modernc.org/sqlite"
)

const sqlDriverName = "sqlite"

func init() {
	// Deterministic: equal blobs give equal distances.
	_ = sqlite.RegisterDeterministicScalarFunction("vec_distance_cosine", 2, vecDistanceCosine)
}

// vecDistanceCosine adapts the blob cosine distance to the pure-Go
// driver's scalar function interface.
func vecDistanceCosine(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_distance_cosine expects 2 arguments")
	}
	a, err := driverBytes(args[0])
	if err != nil {
		return nil, err
	}
	b, err := driverBytes(args[1])
	if err != nil {
		return nil, err
	}
	return cosineDistance(a, b)
}

func driverBytes(v driver.Value) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("vec_distance_cosine: unsupported argument type %T", v)
	}
}
