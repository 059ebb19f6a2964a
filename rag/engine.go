package rag

import (
	"github.com/obok127/smartstore-chatbot/rag/interfaces"
	"github.com/obok127/smartstore-chatbot/rag/types"
)

// Engine is an alias for interfaces.Engine
type Engine = interfaces.Engine

// Result is an alias for types.Result
type Result = types.Result

// Document is an alias for types.Document
type Document = types.Document
