/*
Package baas serves configuration driven CRUD routes

A backend serves one route for every combination of module, class, model and action:

	POST /plugin/baas/{module}/{class}/{model}/add
	POST /plugin/baas/{module}/{class}/{model}/save
	POST /plugin/baas/{module}/{class}/{model}/update
	GET  /plugin/baas/{module}/{class}/{model}/del
	GET  /plugin/baas/{module}/{class}/{model}/delete
	GET  /plugin/baas/{module}/{class}/{model}/destroy
	GET  /plugin/baas/{module}/{class}/{model}/fetch
	GET  /plugin/baas/{module}/{class}/{model}/fetchAll
	GET  /plugin/baas/{module}/{class}/{model}/fetchPage

Nothing about a module is known at startup. For every request the module descriptor is
resolved from the descriptor cache, see package resolver and package descriptor for the
format. A request then passes these stages, each of which can end it:

  - the class is resolved and the request must carry a valid token for every auth scheme
    of the class, as query parameter or header named like the scheme
  - the model is resolved and its injected fields are computed
  - the query string is compiled into a plan, restricted by the injected fields
  - the action is checked against the curd list of the model and executed
  - fetch results are signed when the model names an auth scheme

Saving

add, save and update are the same operation. The JSON object in the request body is an
update if it carries a primary key, otherwise it is an insert. Injected fields are written
over the body, a client can never set them. An update only matches rows that satisfy the
injected fields.

Deleting

del, delete and destroy delete every row matching the filter and return the rows as they
were before. Zero matching rows is an error. Tables with soft delete are soft deleted
unless the query sets forceDelete=true.

Fetching

fetch returns the first matching row or null, fetchAll returns all matching rows and
fetchPage returns

	{
	  "rows": [...],
	  "pagination": {"page": 1, "pageSize": 10, "rowCount": 42, "pageCount": 5}
	}

for the query parameters page (default 1) and pageSize (required). deleted=true includes
soft deleted rows.

Filters

The query string uses bracket notation:

	where[status]=open&where[total][gte]=10&orderBy=-created_at&limit=20
	withRelated[0]=customer&withRelated[1][items][where][qty][gt]=1

See package query for the grammar.

Errors

Failures are answered with a plain text message and the status of their kind: 404 for
unknown modules and actions, 401 for everything concerning authorization, 403 for
actions missing from the curd list, 404 for deletes without matches, 400 for malformed
requests and 500 otherwise. All authorization failures carry the same message.
*/
package baas
