// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package governor provides the built-in frequency policies: performance,
// powersave, userspace (manual) and a polling adapter that turns any target
// function into a periodically evaluated governor.
package governor
