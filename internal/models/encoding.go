package models

import "encoding/gob"

// Flow results and schedule payloads pass through a gob-encoded store;
// interface-valued fields need their concrete types registered.
func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}
