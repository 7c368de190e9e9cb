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
	"path/filepath"
)

// Scripts wraps the external setup and validation shell scripts. Only
// their exit-code bitmask contract matters here; their internal logic is
// an external collaborator boundary.
type Scripts struct {
	Dir string
}

// validateNodeChecks are the positive conditions reported by the
// validate_node_setup script, in bit order.
var validateNodeChecks = []string{
	"base_dir_exists",
	"pyenv_file_exists",
	"requirements_file_exists",
	"main_script_exists",
	"src_dir_exists",
	"venv_activation_success",
	"python_versions_match",
	"required_packages_installed",
}

// nodeSetupErrors are the failure conditions reported by the node_setup
// script, in bit order.
var nodeSetupErrors = []string{
	"cannot_overwrite",
	"rsync_failed",
	"python_install_failed",
	"venv_creation_failed",
	"pip_update_failed",
	"dependency_install_failed",
}

// bootstrapStages are the stages the participant_bootstrap script
// progresses through, in bit order.
var bootstrapStages = []string{
	"user_creation_or_destruction",
	"build_dependency_installation",
	"ssh_configuration",
	"pyenv_installation",
	"pyenv_shell_setup",
	"datadir_creation",
	"python_installation",
	"python_package_installation",
}

// controllerChecks are the positive conditions reported by the
// controller_setup script, in bit order.
var controllerChecks = []string{
	"system_dependencies",
	"pyenv_configuration",
	"python_version_installation",
	"venv_configuration",
	"datadir_creation",
}

// participantSysChecks are the positive conditions reported by the
// validate_participant_sys_setup script, in bit order.
var participantSysChecks = []string{
	"user_exists",
	"system_dependencies",
	"ssh_enabled",
	"pyenv_configuration",
	"pyenv_shell_configs",
	"data_dirs_exist",
	"python_version_installation",
	"python_package_installation",
}

// ValidateNodeSetup checks whether a node type of an experiment is ready
// for deployment, locally or on a remote host ("-r" flag).
func (s Scripts) ValidateNodeSetup(ctx context.Context, experiment, nodeType, pythonVersion, pipVersion, mainScript, remoteHost string) (ScriptResult, error) {
	script := filepath.Join(s.Dir, "validate_node_setup")

	var args []string
	if remoteHost != "" {
		args = append(args, "-r", remoteHost)
	}

	args = append(args, experiment, nodeType, pythonVersion, pipVersion, mainScript)

	return RunScript(ctx, script, args, validateNodeChecks, true)
}

// NodeSetup provisions a remote node from the experiment directory. With
// overwrite, an existing node is replaced ("-o" flag). All flags false
// means the setup succeeded.
func (s Scripts) NodeSetup(ctx context.Context, host, experiment, nodeType, pythonVersion, pipVersion string, overwrite bool) (ScriptResult, error) {
	script := filepath.Join(s.Dir, "node_setup")

	var args []string
	if overwrite {
		args = append(args, "-o")
	}

	args = append(args, host, experiment, nodeType, pythonVersion, pipVersion)

	return RunScript(ctx, script, args, nodeSetupErrors, false)
}

// ParticipantBootstrap prepares (or with uninstall, tears down) a
// participant device over SSH.
func (s Scripts) ParticipantBootstrap(ctx context.Context, host string, uninstall bool) (ScriptResult, error) {
	script := filepath.Join(s.Dir, "setup", "participant_bootstrap")

	args := []string{host}
	if uninstall {
		args = append(args, "-u")
	}

	return RunScript(ctx, script, args, bootstrapStages, false)
}

// ValidateControllerSetup checks that the controller machine itself is
// ready for use.
func (s Scripts) ValidateControllerSetup(ctx context.Context) (ScriptResult, error) {
	script := filepath.Join(s.Dir, "setup", "controller", "controller_setup")

	return RunScript(ctx, script, []string{"-q"}, controllerChecks, true)
}

// ValidateParticipantSetup runs both participant validation scripts and
// merges their results. Each script's permission flag is renamed so a
// launch failure can be attributed to the right script.
func (s Scripts) ValidateParticipantSetup(ctx context.Context, name, hostnameOrIP string) (ScriptResult, error) {
	sshScript := filepath.Join(s.Dir, "setup", "src", "validate_participant_ssh_config")
	sysScript := filepath.Join(s.Dir, "setup", "src", "validate_participant_sys_setup")

	sshResults, err := RunScript(ctx, sshScript, []string{name, hostnameOrIP}, []string{"ssh_config_ok"}, true)
	if err != nil {
		return nil, err
	}

	sysResults, err := RunScript(ctx, sysScript, []string{name, hostnameOrIP}, participantSysChecks, true)
	if err != nil {
		return nil, err
	}

	merged := make(ScriptResult, len(sshResults)+len(sysResults))

	for k, v := range sysResults {
		merged[k] = v
	}

	for k, v := range sshResults {
		merged[k] = v
	}

	merged["ssh_validation_script_permissions_ok"] = sshResults[PermissionOKKey]
	merged["sys_validation_script_permissions_ok"] = sysResults[PermissionOKKey]
	delete(merged, PermissionOKKey)

	return merged, nil
}
