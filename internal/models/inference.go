package models

// BlockTypeLine marks a block holding one line of text.
const BlockTypeLine = "LINE"

// TextPage is one page of text-extraction output.
type TextPage struct {
	Blocks []Block `json:"Blocks"`
}

// Block is a unit of extracted text.
type Block struct {
	BlockType string `json:"BlockType"`
	ID        string `json:"Id"`
	Text      string `json:"Text,omitempty"`
	Page      int    `json:"Page,omitempty"`
}

// EntityPage is one page of entity-detection output.
type EntityPage struct {
	Entities []Entity `json:"Entities"`
}

// Entity is one detected entity.
type Entity struct {
	Type        string  `json:"Type"`
	Text        string  `json:"Text"`
	Score       float64 `json:"Score,omitempty"`
	BeginOffset int     `json:"BeginOffset"`
	EndOffset   int     `json:"EndOffset"`
}
