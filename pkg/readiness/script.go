/*
 * Copyright 2025 Shoal Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package readiness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// PermissionOKKey is the distinguished flag every script result carries:
// false means the script itself could not be launched for lack of execute
// permission. All script-wrapper call sites rely on this convention.
const PermissionOKKey = "permission_ok"

// permissionFailureMask stands in for the exit code when the script could
// not be launched: every named check reads as failed.
const permissionFailureMask = 0xFF

const maxMaskChecks = 8

// ScriptResult maps check names to their decoded flag bits, plus the
// PermissionOKKey entry.
type ScriptResult map[string]bool

// AllSet reports whether every named flag (permission included) is true.
func (r ScriptResult) AllSet() bool {
	for _, v := range r {
		if !v {
			return false
		}
	}

	return true
}

var errTooManyChecks = errors.New("exit-code bitmask carries at most 8 checks")

// RunScript launches an external setup or validation script and decodes
// its exit code as a bitmask over checkNames: bit i carries check i. With
// invertBits the mask is complemented first, for scripts that report
// positive ("passed") rather than negative ("failed") conditions.
//
// A permission error launching the script yields all checks failed plus
// permission_ok=false; any other launch failure is a real error.
func RunScript(ctx context.Context, scriptPath string, args, checkNames []string, invertBits bool) (ScriptResult, error) {
	if len(checkNames) > maxMaskChecks {
		return nil, fmt.Errorf("%w: got %d", errTooManyChecks, len(checkNames))
	}

	mask, permissionOK, err := runForMask(ctx, scriptPath, args)
	if err != nil {
		return nil, err
	}

	if invertBits {
		mask = ^mask & permissionFailureMask
	}

	result := make(ScriptResult, len(checkNames)+1)

	for i, name := range checkNames {
		result[name] = mask&(1<<i) != 0
	}

	result[PermissionOKKey] = permissionOK

	return result, nil
}

func runForMask(ctx context.Context, scriptPath string, args []string) (mask int, permissionOK bool, err error) {
	cmd := exec.CommandContext(ctx, scriptPath, args...)

	err = cmd.Run()
	if err == nil {
		return 0, true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true, nil
	}

	if errors.Is(err, os.ErrPermission) {
		return permissionFailureMask, false, nil
	}

	return 0, false, fmt.Errorf("failed to launch %q: %w", scriptPath, err)
}
