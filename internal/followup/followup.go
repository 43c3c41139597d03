// Package followup implements the one-layer fast follow-up cache: a primary
// answer, a menu of follow-up questions, and precomputed answers for every
// menu entry so that selecting one is served without waiting on the model.
package followup

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMenuSize is the default number of follow-ups per layer.
const DefaultMenuSize = 4

var (
	// ErrEmptyQuestion is returned by Ask for blank questions.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrOutOfRange is returned by RotateNextLayer for an index outside the current menu.
	ErrOutOfRange = errors.New("selection out of range")
	// ErrGeneration marks a failed or unusable text generation call.
	ErrGeneration = errors.New("generation failed")
)

// Generator is the text generation capability the conversation depends on.
// Implementations own their retry and timeout policy.
type Generator interface {
	// Answer answers a user question.
	Answer(ctx context.Context, question string) (string, error)
	// ProposeFollowups returns raw text listing follow-up questions for the context.
	ProposeFollowups(ctx context.Context, promptContext string) (string, error)
	// AnswerFollowup answers a follow-up question asked in the frame of baseQuestion.
	AnswerFollowup(ctx context.Context, baseQuestion, followupQuestion string) (string, error)
}

func generationError(capability string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrGeneration, capability, err)
}

var errBlankOutput = errors.New("blank output")
