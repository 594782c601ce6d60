package main

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/nuln/agentdb"
)

// parseValue converts a command-line string into a Value of the named kind.
func parseValue(kind, s string) (agentdb.Value, error) {
	k, err := agentdb.ParseKind(kind)
	if err != nil {
		return agentdb.Value{}, err
	}
	switch k {
	case agentdb.KindNull:
		return agentdb.Null(), nil
	case agentdb.KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return agentdb.Value{}, agentdb.InvalidArgument("parse value", "bad bool %q", s)
		}
		return agentdb.Bool(b), nil
	case agentdb.KindInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return agentdb.Value{}, agentdb.InvalidArgument("parse value", "bad int %q", s)
		}
		return agentdb.Int(i), nil
	case agentdb.KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return agentdb.Value{}, agentdb.InvalidArgument("parse value", "bad float %q", s)
		}
		return agentdb.Float(f), nil
	case agentdb.KindText:
		return agentdb.Text(s), nil
	case agentdb.KindBlob:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return agentdb.Value{}, agentdb.InvalidArgument("parse value", "blob must be base64: %v", err)
		}
		return agentdb.Blob(b), nil
	}
	return agentdb.Value{}, agentdb.InvalidArgument("parse value", "%s values cannot be given on the command line", k)
}

// parseParam parses a kind:value query parameter. Anything without a known
// kind prefix is text.
func parseParam(arg string) (agentdb.Value, error) {
	kind, rest, found := strings.Cut(arg, ":")
	if !found {
		return agentdb.Text(arg), nil
	}
	if _, err := agentdb.ParseKind(kind); err != nil {
		return agentdb.Text(arg), nil
	}
	return parseValue(kind, rest)
}
