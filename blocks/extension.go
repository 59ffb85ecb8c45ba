// Package blocks describes the F503i block extension and executes its opcodes.
package blocks

import "f503i-bridge/device"

// BlockType is the shape of a block in the editor.
type BlockType string

const (
	BlockCommand  BlockType = "command"
	BlockReporter BlockType = "reporter"
	BlockHat      BlockType = "hat"
)

// ArgumentType is the editor input type of a block argument.
type ArgumentType string

const (
	ArgString ArgumentType = "string"
	ArgNumber ArgumentType = "number"
)

// Opcodes.
const (
	OpConnect       = "connectBLE"
	OpStates        = "BLEStates"
	OpDisconnected  = "ble_DisconnecedAction"
	OpPushKey       = "ble_PushKeyAction"
	OpGetLastKey    = "getLastKey"
	OpLEDSwitch     = "ledSwitch"
	OpTurnOffLED    = "turnOffLED"
	OpPlayBuzzer    = "playBuzzer"
	OpStopBuzzer    = "stopBuzzer"
	OpGetBrightness = "getBrightness"
)

const (
	ExtensionID  = "f503iExtension"
	LEDMenu      = "ledList"
	DefaultScale = 61

	argMode  = "MODE"
	argScale = "SCALE"
)

// Argument describes one block input.
type Argument struct {
	Type         ArgumentType `json:"type"`
	Menu         string       `json:"menu,omitempty"`
	DefaultValue any          `json:"defaultValue,omitempty"`
}

// Block describes one block.
type Block struct {
	Opcode    string              `json:"opcode"`
	BlockType BlockType           `json:"blockType"`
	Text      string              `json:"text"`
	Func      string              `json:"func"`
	Arguments map[string]Argument `json:"arguments,omitempty"`
}

// Menu is a drop-down list of argument values.
type Menu struct {
	AcceptReporters bool     `json:"acceptReporters"`
	Items           []string `json:"items"`
}

// Info is the extension metadata served to the editor.
type Info struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Color1 string          `json:"color1"`
	Color2 string          `json:"color2"`
	Color3 string          `json:"color3"`
	Blocks []Block         `json:"blocks"`
	Menus  map[string]Menu `json:"menus"`
}

// Extension returns a fresh copy of the extension metadata.
func Extension() Info {
	return Info{
		ID:     ExtensionID,
		Name:   "F503i制御ブロック",
		Color1: "#808080",
		Color2: "#ffffff",
		Color3: "#333333",
		Blocks: []Block{
			{Opcode: OpConnect, BlockType: BlockCommand, Text: "F503iを接続", Func: "connect"},
			{Opcode: OpStates, BlockType: BlockReporter, Text: "F503iが接続状況", Func: "fsBleStates"},
			{Opcode: OpDisconnected, BlockType: BlockHat, Text: "F503iが切断された", Func: "fsDisconnectedAction"},
			{Opcode: OpPushKey, BlockType: BlockHat, Text: "プッシュキーが押された", Func: "fsPushKeyAction"},
			{Opcode: OpGetLastKey, BlockType: BlockReporter, Text: "プッシュキー文字", Func: "fsGetLastKey"},
			{
				Opcode:    OpLEDSwitch,
				BlockType: BlockCommand,
				Text:      "[MODE]のLEDをオン・オフ",
				Func:      "fsLedSwitch",
				Arguments: map[string]Argument{
					argMode: {Type: ArgString, Menu: LEDMenu},
				},
			},
			{Opcode: OpTurnOffLED, BlockType: BlockCommand, Text: "LEDを全て消す", Func: "fsTurnOffLED"},
			{
				Opcode:    OpPlayBuzzer,
				BlockType: BlockCommand,
				Text:      "ブザーを[SCALE]の音階で鳴らす",
				Func:      "fsPlayBuzzer",
				Arguments: map[string]Argument{
					argScale: {Type: ArgNumber, DefaultValue: DefaultScale},
				},
			},
			{Opcode: OpStopBuzzer, BlockType: BlockCommand, Text: "ブザーを止める", Func: "fsStopBuzzer"},
			{Opcode: OpGetBrightness, BlockType: BlockReporter, Text: "明るさ", Func: "fsGetBrightness"},
		},
		Menus: map[string]Menu{
			LEDMenu: {AcceptReporters: false, Items: device.MenuItems()},
		},
	}
}

// Lookup returns the block for opcode.
func (i Info) Lookup(opcode string) (Block, bool) {
	for _, b := range i.Blocks {
		if b.Opcode == opcode {
			return b, true
		}
	}
	return Block{}, false
}
