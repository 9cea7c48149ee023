// Package llm defines the contract for invoking large language models and the
// error codes shared by provider adapters. Provider-specific clients live in
// sub-packages and normalize their failures onto these codes.
package llm
