// Package ipc defines the shapes of the Korva control-bus contract
// (§6): the methods, signals, and addressing constants a transport
// binding (D-Bus or otherwise) would expose. It deliberately implements
// no transport — only the types and constants that any binding must
// agree on.
package ipc

// Well-known bus addressing, carried over from the original service
// unchanged.
const (
	BusName    = "org.jensge.Korva"
	ObjectPath = "/org/jensge/Korva"
	Controller = "/Controller"
)

// DeviceInfo is the map shape returned by GetDevices/GetDeviceInfo.
type DeviceInfo struct {
	UID         string `json:"UID"`
	DisplayName string `json:"DisplayName"`
	IconURI     string `json:"IconURI"`
	Protocol    string `json:"Protocol"`
	Type        string `json:"Type"`
}

// EmptyDeviceList is the sentinel GetDevices returns when no device is
// currently known: a single empty map, not an empty array, matching
// korva-server.c's korva_server_on_handle_get_devices.
func EmptyDeviceList() []DeviceInfo {
	return []DeviceInfo{{}}
}

// PushSource carries the recognized keys of Push's source argument
// (§6). Caller-supplied Title/ContentType/DLNAProfile are never
// overwritten by the Metadata Resolver; Size is trusted if present.
type PushSource struct {
	URI         string `json:"URI"`
	Title       string `json:"Title,omitempty"`
	ContentType string `json:"ContentType,omitempty"`
	DLNAProfile string `json:"DLNAProfile,omitempty"`
	Size        uint64 `json:"Size,omitempty"`
}

// DeviceAvailable and DeviceUnavailable are the two signals the
// Device Lister emits (§6, §5: at most one Available and at most one
// Unavailable per device lifetime).
type DeviceAvailable struct {
	Device DeviceInfo
}

type DeviceUnavailable struct {
	UID string
}

// ControllerAPI is the capability set a transport binding adapts: every
// method named in §6, independent of how it is carried on the wire.
type ControllerAPI interface {
	GetDevices() []DeviceInfo
	GetDeviceInfo(uid string) (DeviceInfo, bool)
	Push(source PushSource, uid string) (tag string, err error)
	Unshare(tag string) error
}
