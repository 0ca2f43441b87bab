package testutil

import "github.com/HerbHall/robobridge/pkg/models"

// NewArduino returns an Arduino Uno on ttyACM0. Override fields with opts.
func NewArduino(opts ...func(*models.Arduino)) models.Arduino {
	a := models.Arduino{Type: models.ArduinoUno, Port: "ttyACM0"}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithPort sets the serial port.
func WithPort(port string) func(*models.Arduino) {
	return func(a *models.Arduino) { a.Port = port }
}

// WithArduinoType sets the board type.
func WithArduinoType(t models.ArduinoType) func(*models.Arduino) {
	return func(a *models.Arduino) { a.Type = t }
}

// NewEV3 returns an EV3 at the default USB network address.
func NewEV3() models.EV3 {
	return models.EV3{BrickName: "EV3", Address: "10.0.1.1:80"}
}

// NewNAO returns a NAO with the given name at a LAN address.
func NewNAO(name string) models.NAO {
	return models.NAO{RobotName: name, Address: "192.168.1.50"}
}
