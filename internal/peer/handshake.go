package peer

import (
	"encoding/json"
	"fmt"

	"meshnode/internal/wire"
)

// DeviceAnnouncement is one device entry carried in WELCOME and
// DEVICE_UPDATE bodies.
type DeviceAnnouncement struct {
	DeviceID  wire.DeviceID  `json:"device_id"`
	Name      string         `json:"name"`
	Direction wire.Direction `json:"direction"`
}

type helloBody struct {
	NodeID       string `json:"node_id"`
	Name         string `json:"name"`
	Version      byte   `json:"version"`
	DatagramPort int    `json:"datagram_port"`
}

type welcomeBody struct {
	NodeID       string               `json:"node_id"`
	Name         string               `json:"name"`
	Version      byte                 `json:"version"`
	DatagramPort int                  `json:"datagram_port"`
	Devices      []DeviceAnnouncement `json:"devices"`
}

type deviceUpdateBody struct {
	Devices []DeviceAnnouncement `json:"devices"`
}

type byeBody struct {
	Reason string `json:"reason"`
}

func encodeHello(self wire.NodeID, name string, version byte, datagramPort int) []byte {
	b, _ := json.Marshal(helloBody{NodeID: self.String(), Name: name, Version: version, DatagramPort: datagramPort})
	return b
}

func decodeHello(body []byte) (helloBody, error) {
	var h helloBody
	if err := json.Unmarshal(body, &h); err != nil {
		return helloBody{}, fmt.Errorf("decode HELLO: %w", err)
	}
	return h, nil
}

func encodeWelcome(self wire.NodeID, name string, version byte, datagramPort int, devices []DeviceAnnouncement) []byte {
	b, _ := json.Marshal(welcomeBody{NodeID: self.String(), Name: name, Version: version, DatagramPort: datagramPort, Devices: devices})
	return b
}

func decodeWelcome(body []byte) (welcomeBody, error) {
	var w welcomeBody
	if err := json.Unmarshal(body, &w); err != nil {
		return welcomeBody{}, fmt.Errorf("decode WELCOME: %w", err)
	}
	return w, nil
}

func encodeDeviceUpdate(devices []DeviceAnnouncement) []byte {
	b, _ := json.Marshal(deviceUpdateBody{Devices: devices})
	return b
}

func decodeDeviceUpdate(body []byte) (deviceUpdateBody, error) {
	var d deviceUpdateBody
	if err := json.Unmarshal(body, &d); err != nil {
		return deviceUpdateBody{}, fmt.Errorf("decode DEVICE_UPDATE: %w", err)
	}
	return d, nil
}

func encodeBye(reason string) []byte {
	b, _ := json.Marshal(byeBody{Reason: reason})
	return b
}

func decodeByeBody(body []byte) (byeBody, error) {
	var b byeBody
	if err := json.Unmarshal(body, &b); err != nil {
		return byeBody{}, fmt.Errorf("decode BYE: %w", err)
	}
	return b, nil
}
