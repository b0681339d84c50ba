package convert

import "errors"

// Domain errors for format conversion.
var (
	// ErrInvalidFormatMap is returned when the mapping resource cannot be parsed.
	ErrInvalidFormatMap = errors.New("convert: invalid format map")

	// ErrUnmappedFormat is returned when a format key has no external format.
	ErrUnmappedFormat = errors.New("convert: format not mapped")

	// ErrInputMissing is returned when the canonical file does not exist.
	ErrInputMissing = errors.New("convert: input file missing")

	// ErrOutputIsInput is returned when the output path resolves to the input file.
	ErrOutputIsInput = errors.New("convert: output would overwrite input")

	// ErrConversionFailed is returned when the converter exits unsuccessfully.
	ErrConversionFailed = errors.New("convert: conversion failed")
)
