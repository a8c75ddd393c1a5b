/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
)

// RandomName returns a lowercase human-readable identifier for specs that
// need distinct but recognizable names.
func RandomName() string {
	return strings.ToLower(fmt.Sprintf("%s-%s", randomdata.SillyName(), randomdata.Alphanumeric(10)))
}

// RandomContent returns a short paragraph of filler text for task payloads.
func RandomContent() string {
	return randomdata.Paragraph()
}
