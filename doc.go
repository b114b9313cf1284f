/*
Copyright © 2026 the Riverine authors.
This file is part of Riverine.

Riverine is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Riverine is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Riverine.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package riverine downscales ECMWF ensemble runoff forecasts onto river
// networks. It turns gridded runoff depth into per-reach inflow volumes
// ready for Muskingum routing, and normalizes the routed discharge for
// publication.
package riverine

// Version gives the version of this program.
const Version = "0.9.0"
