// Copyright (C) 2025 JobTrail <dev@jobtrail.app>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"fmt"
	"strconv"
)

func intVar(vars map[string]string, name string) (int, error) {
	raw, ok := vars[name]
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	return strconv.Atoi(raw)
}
