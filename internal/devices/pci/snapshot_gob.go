package pci

import "encoding/gob"

func init() {
	gob.Register(&hostBridgeSnapshot{})
}
