package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
)

func TestByCard(t *testing.T) {
	tests := []struct {
		name      string
		direction node.Direction
		card      Card
		port      *Port
		typ       node.Type
		location  node.Location
		privacy   node.Privacy
		display   string
	}{
		{
			name:      "pci headphone port",
			direction: node.Output,
			card:      Card{Bus: "pci", FormFactor: "internal"},
			port:      &Port{Name: "analog-output-headphones", Description: "Headphones"},
			typ:       node.WiredHeadphone,
			location:  node.External,
			privacy:   node.Private,
			display:   "Headphones",
		},
		{
			name:      "pci speaker port without form factor",
			direction: node.Output,
			card:      Card{Bus: "pci"},
			port:      &Port{Name: "analog-output-speaker", Description: "Speakers"},
			typ:       node.Speakers,
			privacy:   node.Public,
			display:   "speakers",
		},
		{
			name:      "car speakers",
			direction: node.Output,
			card:      Card{Bus: "platform", FormFactor: "car"},
			typ:       node.Speakers,
			location:  node.Internal,
			privacy:   node.Public,
			display:   "speakers",
		},
		{
			name:      "usb headset",
			direction: node.Output,
			card:      Card{Bus: "usb", FormFactor: "headset"},
			typ:       node.UsbHeadset,
			location:  node.External,
			privacy:   node.Private,
			display:   "usb-headset",
		},
		{
			name:      "bluetooth headset in a2dp",
			direction: node.Output,
			card:      Card{Bus: "bluetooth", FormFactor: "headset", Profile: "a2dp"},
			typ:       node.BluetoothA2dp,
			location:  node.External,
			privacy:   node.Private,
			display:   "bluetooth-a2dp",
		},
		{
			name:      "bluetooth headset in hsp",
			direction: node.Output,
			card:      Card{Bus: "bluetooth", FormFactor: "headset", Profile: "hsp"},
			typ:       node.BluetoothSco,
			location:  node.External,
			privacy:   node.Private,
			display:   "bluetooth-sco",
		},
		{
			name:      "bluetooth carkit by profile",
			direction: node.Input,
			card:      Card{Bus: "bluetooth", Profile: "hfgw"},
			typ:       node.BluetoothCarkit,
			privacy:   node.PrivacyUnknown,
			display:   "bluetooth-carkit",
		},
		{
			name:      "microphone form on output",
			direction: node.Output,
			card:      Card{Bus: "usb", FormFactor: "microphone"},
			typ:       node.TypeUnknown,
			privacy:   node.Public,
			display:   "alsa_output.usb",
		},
		{
			name:      "unknown port falls back to its description",
			direction: node.Output,
			card:      Card{Bus: "pci"},
			port:      &Port{Name: "iec958-whatever", Description: "Digital Out"},
			typ:       node.TypeUnknown,
			privacy:   node.Public,
			display:   "Digital Out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node.New("key", tt.direction, node.Device, node.TypeUnknown)
			n.Name = ""
			n.LiveName = "alsa_output.usb"

			ByCard(n, tt.card, tt.port)

			assert.Equal(t, tt.typ, n.Type)
			assert.Equal(t, tt.location, n.Location)
			assert.Equal(t, tt.privacy, n.Privacy)
			assert.Equal(t, tt.display, n.Name)
		})
	}
}

func TestByCardKeepsGivenName(t *testing.T) {
	n := node.New("key", node.Output, node.Device, node.TypeUnknown)
	n.Name = "Living room"

	ByCard(n, Card{Bus: "usb", FormFactor: "headphone"}, nil)

	assert.Equal(t, node.UsbHeadphone, n.Type)
	assert.Equal(t, "Living room", n.Name)
}

func TestCardBus(t *testing.T) {
	assert.Equal(t, "usb", CardBus("whatever", map[string]string{PropDeviceBus: "usb"}))
	assert.Equal(t, "bluetooth", CardBus("bluez_card.00_11_22", nil))
	assert.Equal(t, "pci", CardBus("alsa_card.pci-0000_00_1f.3", nil))
	assert.Equal(t, "", CardBus("module-null-sink", nil))
}

func TestByProperty(t *testing.T) {
	n := node.New("key", node.Output, node.Device, node.TypeUnknown)

	assert.True(t, ByProperty(n, map[string]string{PropNodeType: "rear-speakers"}))
	assert.Equal(t, node.RearSpeakers, n.Type)

	assert.False(t, ByProperty(n, map[string]string{PropNodeType: "theremin"}))
	assert.False(t, ByProperty(n, nil))
	assert.Equal(t, node.RearSpeakers, n.Type)
}

func TestGuessDeviceTypeDependsOnDirection(t *testing.T) {
	in := node.New("in", node.Input, node.Device, node.TypeUnknown)
	// headphone ports only mean headphones on the output side
	GuessDeviceType(in, "analog-input-headphone-mic", "")
	assert.Equal(t, node.Jack, in.Type)

	GuessDeviceType(in, "analog-input-microphone", "Microphone")
	assert.Equal(t, node.Microphone, in.Type)
	assert.Equal(t, "Microphone", in.Name)

	GuessDeviceType(in, "analog-input-linein", "Line In")
	assert.Equal(t, node.Jack, in.Type)

	out := node.New("out", node.Output, node.Device, node.TypeUnknown)
	GuessDeviceType(out, "hdmi-output-0", "HDMI")
	assert.Equal(t, node.HDMI, out.Type)
}

func TestGuessStreamType(t *testing.T) {
	types := StreamTypes{
		Binaries: map[string]node.Type{"navit": node.Navigator},
		Roles:    map[string]node.Type{"phone": node.Phone, "music": node.Player},
	}

	assert.Equal(t, node.Navigator, types.GuessStreamType(map[string]string{PropProcessBinary: "navit", PropMediaRole: "phone"}))
	assert.Equal(t, node.Phone, types.GuessStreamType(map[string]string{PropMediaRole: "phone"}))
	assert.Equal(t, node.TypeUnknown, types.GuessStreamType(map[string]string{PropMediaRole: "animation"}))
	assert.Equal(t, node.Player, types.GuessStreamType(map[string]string{PropProcessBinary: "mpv"}))
	assert.Equal(t, node.Player, types.GuessStreamType(nil))
}

func TestApplicationClassAndMultiplex(t *testing.T) {
	player := node.New("player", node.Input, node.Stream, node.Player)
	phone := node.New("phone", node.Input, node.Stream, node.Phone)
	carkit := node.New("carkit", node.Input, node.Device, node.BluetoothCarkit)
	speakers := node.New("speakers", node.Output, node.Device, node.Speakers)

	assert.Equal(t, node.Player, ApplicationClass(player))
	assert.Equal(t, node.Phone, ApplicationClass(carkit))
	assert.Equal(t, node.TypeUnknown, ApplicationClass(speakers))

	assert.True(t, MultiplexStream(player))
	assert.False(t, MultiplexStream(phone))
	assert.False(t, MultiplexStream(carkit))

	assert.Equal(t, "phone", LoopbackRole(carkit))
	assert.Equal(t, "", LoopbackRole(player))
}
