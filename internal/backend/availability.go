package backend

import (
	"fmt"
	"os/exec"
	"strings"
)

// LookPathFunc resolves a binary name to a path.
type LookPathFunc func(file string) (string, error)

// Availability captures whether an agent binary is present.
type Availability struct {
	Binary    string
	Path      string
	Available bool
	Reason    string
}

// ProbeBinary checks binary on PATH using exec.LookPath.
func ProbeBinary(binary string) Availability {
	return probeBinary(binary, exec.LookPath)
}

// ProbeBinaryWith checks binary using lookPath. A nil lookPath uses exec.LookPath.
func ProbeBinaryWith(binary string, lookPath LookPathFunc) Availability {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return probeBinary(binary, lookPath)
}

func probeBinary(binary string, lookPath LookPathFunc) Availability {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return Availability{Reason: "no binary configured"}
	}
	path, err := lookPath(binary)
	if err != nil {
		return Availability{
			Binary: binary,
			Reason: fmt.Sprintf("%s not found on PATH", binary),
		}
	}
	return Availability{Binary: binary, Path: path, Available: true}
}
