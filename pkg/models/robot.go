package models

import (
	"fmt"
	"strings"
)

// RobotKind identifies a robot family.
type RobotKind string

const (
	RobotKindEV3     RobotKind = "ev3"
	RobotKindArduino RobotKind = "arduino"
	RobotKindNAO     RobotKind = "nao"
)

// Robot describes a detected robot. Implementations are immutable values;
// two robots are the same device when their keys are equal.
type Robot interface {
	Kind() RobotKind
	// Name is the human readable label shown to the user.
	Name() string
	// Key identifies the device for de-duplication and selection.
	Key() string
}

// ArduinoType is a board or kit flashed through the Arduino toolchain.
type ArduinoType string

const (
	ArduinoUno        ArduinoType = "uno"
	ArduinoNano       ArduinoType = "nano"
	ArduinoMega       ArduinoType = "mega"
	ArduinoBotnroll   ArduinoType = "botnroll"
	ArduinoMbot       ArduinoType = "mbot"
	ArduinoBob3       ArduinoType = "bob3"
	ArduinoUnoWifiRev ArduinoType = "unowifirev2"
	ArduinoNano33BLE  ArduinoType = "nano33ble"
)

var arduinoPretty = map[ArduinoType]string{
	ArduinoUno:        "Uno",
	ArduinoNano:       "Nano",
	ArduinoMega:       "Mega",
	ArduinoBotnroll:   "Bot'n Roll",
	ArduinoMbot:       "mBot",
	ArduinoBob3:       "BOB3",
	ArduinoUnoWifiRev: "Uno Wifi Rev2",
	ArduinoNano33BLE:  "Nano 33 BLE",
}

// ArduinoTypes returns every known board type in a stable order.
func ArduinoTypes() []ArduinoType {
	return []ArduinoType{
		ArduinoUno, ArduinoNano, ArduinoMega, ArduinoBotnroll,
		ArduinoMbot, ArduinoBob3, ArduinoUnoWifiRev, ArduinoNano33BLE,
	}
}

// ParseArduinoType resolves a type name case-insensitively.
func ParseArduinoType(s string) (ArduinoType, error) {
	t := ArduinoType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := arduinoPretty[t]; !ok {
		return "", fmt.Errorf("unknown arduino type %q", s)
	}
	return t, nil
}

// Pretty returns the display text of the board type.
func (t ArduinoType) Pretty() string {
	if p, ok := arduinoPretty[t]; ok {
		return p
	}
	return string(t)
}

// EV3 is a LEGO EV3 brick reachable over the USB network link.
type EV3 struct {
	BrickName string `json:"name" yaml:"name"`
	Address   string `json:"address" yaml:"address"`
}

func (r EV3) Kind() RobotKind { return RobotKindEV3 }

func (r EV3) Name() string {
	if r.BrickName == "" {
		return "EV3"
	}
	return r.BrickName
}

func (r EV3) Key() string { return "ev3:" + r.Address }

// Arduino is a USB attached board on a serial port.
type Arduino struct {
	Type ArduinoType `json:"type" yaml:"type"`
	// Port is the serial port without the /dev/ prefix ("ttyACM0", "COM3").
	Port string `json:"port" yaml:"port"`
}

func (r Arduino) Kind() RobotKind { return RobotKindArduino }

// Name prefixes the classic boards with "Arduino".
func (r Arduino) Name() string {
	switch r.Type {
	case ArduinoUno, ArduinoNano, ArduinoMega:
		return "Arduino " + r.Type.Pretty()
	default:
		return r.Type.Pretty()
	}
}

func (r Arduino) Key() string { return "arduino:" + string(r.Type) + ":" + r.Port }

// NAO is a SoftBank NAO humanoid announced over mDNS.
type NAO struct {
	RobotName string `json:"name" yaml:"name"`
	Address   string `json:"address" yaml:"address"`
}

func (r NAO) Kind() RobotKind { return RobotKindNAO }

func (r NAO) Name() string { return r.RobotName }

func (r NAO) Key() string { return "nao:" + r.Address }

// RobotKeys returns the keys of robots in order.
func RobotKeys(robots []Robot) []string {
	keys := make([]string, len(robots))
	for i, r := range robots {
		keys[i] = r.Key()
	}
	return keys
}

// RobotInfo is the JSON view of a robot used by the control API.
type RobotInfo struct {
	Kind RobotKind `json:"kind" yaml:"kind"`
	Name string    `json:"name" yaml:"name"`
	Key  string    `json:"key" yaml:"key"`
}

// Describe converts a robot into its JSON view.
func Describe(r Robot) RobotInfo {
	return RobotInfo{Kind: r.Kind(), Name: r.Name(), Key: r.Key()}
}
